package mega

import (
	"errors"
	"fmt"
)

// TransportError is layer 1 of the error taxonomy (see spec §7): a
// failure reported by the HTTP collaborator before any JSON was even
// parsed. Code is one of the transport-defined strings ("busy",
// "no_response", or an opaque passthrough); only "busy" and
// "no_response" drive the retry/backoff loop in transport.go.
type TransportError struct {
	Code    string
	Message string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %s", e.Code, e.Message)
}

const (
	transportCodeBusy       = "busy"
	transportCodeNoResponse = "no_response"
)

func isRetryableTransport(err error) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}
	return te.Code == transportCodeBusy || te.Code == transportCodeNoResponse
}

// APIError is layer 2: a negative integer result from the service,
// mapped to one of the canonical names below. Following the teacher's
// sentinel-error convention (EARGS, EBADRESP, ENOENT, ...), each is a
// distinct package-level error value so callers can use errors.Is.
var (
	EINTERNAL           = errors.New("EINTERNAL: internal error")
	EARGS               = errors.New("EARGS: invalid arguments")
	EAGAIN              = errors.New("EAGAIN: rate limit, try again")
	ERATELIMIT          = errors.New("ERATELIMIT: too many requests")
	EFAILED             = errors.New("EFAILED: request failed")
	ETOOMANY            = errors.New("ETOOMANY: too many requests or files")
	ERANGE              = errors.New("ERANGE: value out of range")
	EEXPIRED            = errors.New("EEXPIRED: expired")
	ENOENT              = errors.New("ENOENT: not found")
	ECIRCULAR           = errors.New("ECIRCULAR: circular linkage")
	EACCESS             = errors.New("EACCESS: access denied")
	EEXIST              = errors.New("EEXIST: already exists")
	EINCOMPLETE         = errors.New("EINCOMPLETE: incomplete")
	EKEY                = errors.New("EKEY: cryptographic error")
	ESID                = errors.New("ESID: bad session id")
	EBLOCKED            = errors.New("EBLOCKED: blocked")
	EOVERQUOTA          = errors.New("EOVERQUOTA: over quota")
	ETEMPUNAVAIL        = errors.New("ETEMPUNAVAIL: temporarily unavailable")
	ETOOMANYCONNECTIONS = errors.New("ETOOMANYCONNECTIONS: too many connections")
	EWRITE              = errors.New("EWRITE: write error")
	EREAD               = errors.New("EREAD: read error")
	EAPPKEY             = errors.New("EAPPKEY: bad app key")
	EUNKNOWN            = errors.New("EUNKNOWN: unrecognised error code")

	// EBADRESP is not part of the service taxonomy; it is raised by
	// transport.go when a response body is not valid JSON or does not
	// match either of the two shapes described in spec §4.3.
	EBADRESP = errors.New("EBADRESP: malformed response body")
)

// errCodeTable maps the negative wire integers of spec §4.3 to their
// symbolic sentinel. Any code not present here surfaces as EUNKNOWN.
var errCodeTable = map[int]error{
	-1:  EINTERNAL,
	-2:  EARGS,
	-3:  EAGAIN,
	-4:  ERATELIMIT,
	-5:  EFAILED,
	-6:  ETOOMANY,
	-7:  ERANGE,
	-8:  EEXPIRED,
	-9:  ENOENT,
	-10: ECIRCULAR,
	-11: EACCESS,
	-12: EEXIST,
	-13: EINCOMPLETE,
	-14: EKEY,
	-15: ESID,
	-16: EBLOCKED,
	-17: EOVERQUOTA,
	-18: ETEMPUNAVAIL,
	-19: ETOOMANYCONNECTIONS,
	-20: EWRITE,
	-21: EREAD,
	-22: EAPPKEY,
}

// codeToError maps an integer service result to its sentinel. Only
// negative integers are errors: 0 and positive results map to nil, and
// negative codes not in errCodeTable map to EUNKNOWN so callers never
// see a raw int.
func codeToError(code int) error {
	if code >= 0 {
		return nil
	}
	if e, ok := errCodeTable[code]; ok {
		return e
	}
	return EUNKNOWN
}

// Application-layer semantic failures (spec §7 layer 3). These are
// raised by the core itself, not by the wire protocol.
var (
	ErrInvalidTSID    = errors.New("invalid_tsid")
	ErrSIDDecryptFail = errors.New("sid_decrypt_fail")
	ErrBadPassword    = errors.New("bad_password")
	ErrEmptyResponse  = errors.New("empty")
	ErrAborted        = errors.New("aborted")
)
