package kquant

import "errors"

// ErrUnsupportedWeightType is returned by the reference oracle and by
// internal helpers; the entry point MulMat never returns an error value
// for this case — per contract it returns false instead, the type
// recognized by MulMat's caller.
var ErrUnsupportedWeightType = errors.New("kquant: unsupported weight type")

// ErrBadDimension signals K not a multiple of KBlock. This is a contract
// violation, not a runtime condition: callers that hit it have a bug.
var ErrBadDimension = errors.New("kquant: K must be a multiple of KBlock")
