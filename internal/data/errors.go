package data

import "errors"

var (
	ErrDeviceNotFound       = errors.New("device not found")
	ErrSiteNotConnected     = errors.New("site not connected")
	ErrSiteNotFound         = errors.New("site not found")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrTransportFailure     = errors.New("transport failure")
	ErrMalformedMessage     = errors.New("malformed message")
)
