package ledger

import "github.com/tansive/ckansync/internal/common/apperrors"

var (
	ErrLedgerMiss     apperrors.Error = apperrors.ErrNotFound.New("hash not found in ledger")
	ErrNoOrganization apperrors.Error = apperrors.ErrUsage.New("no organization to own the hash table package; set organization")
	ErrLedgerWrite    apperrors.Error = apperrors.ErrIO.New("unable to write the hash table")
)
