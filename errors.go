package docstore

import "fmt"

// DataError reports stored bytes that could not be decoded, along with a
// truncated dump of the offending data.
type DataError struct {
	Data []byte
	Err  error
	Msg  string
}

func dataErrf(data []byte, err error, format string, args ...any) error {
	return &DataError{data, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		}
		return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
	}
	p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
	}
	return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
}
