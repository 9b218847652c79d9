// Package codec converts HTTP responses to and from the byte slices kept
// in the storage provider. The stored format is the plain HTTP/1.1
// representation of the response.
package codec

import (
	"bufio"
	"bytes"
	"net/http"
)

// ResponseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response.
// The response body is readable again when this returns.
func ResponseToBytes(res *http.Response) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	bts := buf.Bytes()
	// writing consumed the body, so set it back from the written bytes
	clonedRes, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(bts)), res.Request)
	if err != nil {
		return nil, err
	}
	res.Body = clonedRes.Body
	return bts, nil
}

// BytesToResponse converts a byte slice back to a http.Response.
// The given request is attached to the response as the originating request.
func BytesToResponse(b []byte, req *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
}

// Storable reports whether a response qualifies for storage.
// Only success responses qualify, and partial content (206) as well as the
// non-standard 209 status are excluded even though they are in the 2xx range.
func Storable(res *http.Response) bool {
	if res == nil {
		return false
	}
	if res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusMultipleChoices {
		return false
	}
	if res.StatusCode == http.StatusPartialContent || res.StatusCode == 209 {
		return false
	}
	return true
}
