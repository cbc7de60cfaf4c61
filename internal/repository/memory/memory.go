package memory

import (
	"payment_recovery/internal/repository"
)

var (
	_ repository.DeadLetterRepository = (*DeadLetterRepository)(nil)
)
