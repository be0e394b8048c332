package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"
)

const storedAtHeaderName = "Offline-Worker-Stored-At"

// Response is a fully buffered HTTP response.
// It is treated as a value: the body can be read any number of times,
// and Clone gives a copy that shares no memory with the original.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// The value of the clock at the time the response was received from the network.
	StoredAt time.Time
}

// OK reports whether the response represents success (2xx).
// Only successful responses are ever written to the cache.
func (r Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode <= 299
}

// Clone returns a deep copy of the response.
func (r Response) Clone() Response {
	c := Response{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
		StoredAt:   r.StoredAt,
	}
	if r.Body != nil {
		c.Body = make([]byte, len(r.Body))
		copy(c.Body, r.Body)
	}
	if c.Header == nil {
		c.Header = http.Header{}
	}
	return c
}

// FromHTTP buffers an *http.Response into a Response.
// The body of res is consumed and closed.
func FromHTTP(res *http.Response) (Response, error) {
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Response{}, err
	}
	header := res.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	// the length is recomputed whenever the response is written
	header.Del("Content-Length")
	return Response{
		StatusCode: res.StatusCode,
		Header:     header,
		Body:       body,
		StoredAt:   time.Now(),
	}, nil
}

// HTTP returns an *http.Response reading from a private copy of the body.
func (r Response) HTTP(req *http.Request) *http.Response {
	c := r.Clone()
	return &http.Response{
		StatusCode:    c.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        c.Header,
		Body:          io.NopCloser(bytes.NewReader(c.Body)),
		ContentLength: int64(len(c.Body)),
		Request:       req,
	}
}

// Encode converts the response to bytes.
// It returns the HTTP/1.1 representation of the response,
// with the storage time carried in an extra header.
func Encode(r Response) ([]byte, error) {
	res := r.HTTP(nil)
	if !r.StoredAt.IsZero() {
		res.Header.Set(storedAtHeaderName, strconv.FormatInt(r.StoredAt.Unix(), 10))
	}
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode converts bytes written by Encode back into a Response.
func Decode(b []byte) (Response, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return Response{}, err
	}
	decoded, err := FromHTTP(res)
	if err != nil {
		return Response{}, err
	}
	decoded.StoredAt = time.Time{}
	if storedAt := decoded.Header.Get(storedAtHeaderName); storedAt != "" {
		if sec, err := strconv.ParseInt(storedAt, 10, 64); err == nil {
			decoded.StoredAt = time.Unix(sec, 0)
		}
	}
	// delete extra headers
	decoded.Header.Del(storedAtHeaderName)
	return decoded, nil
}
