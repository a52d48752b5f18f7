package rq_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/frankli0324/rq"
)

func ExampleClient() {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s %s?%s", r.Method, r.URL.Path, r.URL.RawQuery)
	}))
	defer ts.Close()

	cl, err := rq.NewClient(rq.Config{
		Headers: rq.Header{"User-Agent": {"rq-example"}},
	})
	if err != nil {
		fmt.Println(err)
		return
	}
	defer cl.Close()
	resp, err := cl.CtxDo(context.Background(), &rq.Request{
		Method: "GET",
		URL:    ts.URL + "/search?a=b",
	})
	if err != nil {
		fmt.Println(err)
		return
	}
	b, err := resp.Bytes()
	fmt.Println(resp.StatusCode, resp.Proto, err)
	fmt.Println(string(b))
	// Output:
	// 200 HTTP/1.1 <nil>
	// GET /search?a=b
}

func ExampleGet() {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, r.URL.Query().Get("q"))
	}))
	defer ts.Close()

	resp, err := rq.Get(context.Background(), ts.URL, rq.WithQuery("q", "hello"))
	if err != nil {
		fmt.Println(err)
		return
	}
	text, err := resp.Text("")
	fmt.Println(text, err)
	// Output: hello <nil>
}
