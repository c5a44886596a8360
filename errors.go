package cfb

import "errors"

// Sentinel errors returned by the package. Structural problems found while
// decoding a file wrap ErrorInvalidCFB so callers can test for the whole
// class with errors.Is.
var (
	ErrorInvalidCFB         = errors.New("invalid cfb file")
	ErrorUnsupportedVersion = errors.New("unsupported cfb version")
	ErrorReadOnly           = errors.New("compound file is read-only")
	ErrorNotFound           = errors.New("no such entry")
	ErrorAlreadyExists      = errors.New("entry already exists")
	ErrorNotAStorage        = errors.New("not a storage")
	ErrorNotAStream         = errors.New("not a stream")
	ErrorNotEmpty           = errors.New("storage is not empty")
	ErrorIsRoot             = errors.New("operation not allowed on root entry")
	ErrorInvalidName        = errors.New("invalid entry name")
)
