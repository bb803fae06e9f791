package subcore

import "github.com/sysrepo-subs/subscore/errs"

// Re-exported so callers only need to import the root package for the
// common case; errs is split out purely to avoid an import cycle with
// the validate package (see errs' package doc).
type (
	Code = errs.Code
	Info = errs.Info
)

const (
	CodeOK               = errs.CodeOK
	CodeInvalArg         = errs.CodeInvalArg
	CodeNoMemory         = errs.CodeNoMemory
	CodeNotFound         = errs.CodeNotFound
	CodeExists           = errs.CodeExists
	CodeInternal         = errs.CodeInternal
	CodeUnsupported      = errs.CodeUnsupported
	CodeValidationFailed = errs.CodeValidationFailed
	CodeOperationFailed  = errs.CodeOperationFailed
	CodeUnauthorized     = errs.CodeUnauthorized
	CodeLocked           = errs.CodeLocked
	CodeTimeOut          = errs.CodeTimeOut
	CodeCallbackFailed   = errs.CodeCallbackFailed
	CodeCallbackShelve   = errs.CodeCallbackShelve
)

var (
	ErrInvalArg         = errs.ErrInvalArg
	ErrNotFound         = errs.ErrNotFound
	ErrExists           = errs.ErrExists
	ErrNoMemory         = errs.ErrNoMemory
	ErrLocked           = errs.ErrLocked
	ErrTimeOut          = errs.ErrTimeOut
	ErrValidationFailed = errs.ErrValidationFailed
	ErrInternal         = errs.ErrInternal
	ErrCallbackFailed   = errs.ErrCallbackFailed
	ErrCallbackShelve   = errs.ErrCallbackShelve

	NewError      = errs.NewError
	NewXPathError = errs.NewXPathError
)
