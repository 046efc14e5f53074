package testsupport

import "errors"

var errStorageUnavailable = errors.New("storage unavailable")
