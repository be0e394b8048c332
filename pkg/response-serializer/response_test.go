package serializer

import (
	"bufio"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestEncodeDecodeKeepsResponse(t *testing.T) {
	storedAt := time.Unix(1700000000, 0)
	res := Response{
		StatusCode: http.StatusCreated,
		Header:     http.Header{},
		Body:       []byte("This is the body"),
		StoredAt:   storedAt,
	}
	res.Header.Add("Test", "-ing")

	bts, err := Encode(res)
	if err != nil {
		t.Fatalf("Error creating bytes: %+v", err)
	}
	res2, err := Decode(bts)
	if err != nil {
		t.Fatalf("Error creating response: %+v", err)
	}

	if res2.StatusCode != http.StatusCreated {
		t.Fatalf("Status code is %d", res2.StatusCode)
	}
	if res2.Header.Get("Test") != "-ing" {
		t.Fatalf("Test header wrong %+v", res2.Header)
	}
	if res2.Header.Get(storedAtHeaderName) != "" || res2.Header.Get("Content-Length") != "" {
		t.Fatalf("Extra headers left %+v", res2.Header)
	}
	if string(res2.Body) != "This is the body" {
		t.Fatalf("Body: %s", res2.Body)
	}
	if !res2.StoredAt.Equal(storedAt) {
		t.Fatalf("Stored at %s, expected %s", res2.StoredAt, storedAt)
	}
}

func TestEncodeDoesNotTouchOriginal(t *testing.T) {
	res := Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte("body"), StoredAt: time.Now()}
	if _, err := Encode(res); err != nil {
		t.Fatalf("Error: %v", err)
	}
	if res.Header.Get(storedAtHeaderName) != "" {
		t.Fatalf("Encode modified header %+v", res.Header)
	}
}

func TestFromHTTPReadsBody(t *testing.T) {
	response := `HTTP/1.1 200 OK
Server: Test
Content-Length: 16

This is the body`

	httpRes, err := http.ReadResponse(bufio.NewReader(strings.NewReader(response)), nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := FromHTTP(httpRes)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if string(res.Body) != "This is the body" {
		t.Fatalf("Body: %s", res.Body)
	}
	if res.Header.Get("Server") != "Test" {
		t.Fatalf("Header: %+v", res.Header)
	}
	if res.StoredAt.IsZero() {
		t.Fatal("StoredAt not set")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	res := Response{StatusCode: http.StatusOK, Header: http.Header{"A": {"1"}}, Body: []byte("abc")}
	clone := res.Clone()
	clone.Body[0] = 'x'
	clone.Header.Set("A", "2")

	if string(res.Body) != "abc" {
		t.Fatalf("Original body changed to %s", res.Body)
	}
	if res.Header.Get("A") != "1" {
		t.Fatalf("Original header changed to %s", res.Header.Get("A"))
	}
}

func TestHTTPBodyCanBeReadTwice(t *testing.T) {
	res := Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte("twice")}
	for i := 0; i < 2; i++ {
		body, err := io.ReadAll(res.HTTP(nil).Body)
		if err != nil || string(body) != "twice" {
			t.Fatalf("Read %d: body is %s (%v)", i, body, err)
		}
	}
}

func TestOK(t *testing.T) {
	for status, ok := range map[int]bool{200: true, 204: true, 299: true, 301: false, 404: false, 500: false, 0: false} {
		if (Response{StatusCode: status}).OK() != ok {
			t.Fatalf("OK() for %d should be %v", status, ok)
		}
	}
}

func TestDecodeGarbage(t *testing.T) {
	if _, err := Decode([]byte("not a response")); err == nil {
		t.Fatal("Expected error")
	}
}
