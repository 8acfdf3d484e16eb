package taskfile

import "errors"

// ErrParse is the sentinel wrapped by every parse-time failure:
// unparseable heading, duplicate id, invalid dependency reference, or a
// detected cycle.
var ErrParse = errors.New("taskfile: invalid plan")
