package httpclient_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stacklok/toolhive-ingest/internal/httpclient"
)

var _ = Describe("DefaultClient", func() {
	var (
		server  *httptest.Server
		handler http.HandlerFunc
	)

	BeforeEach(func() {
		handler = nil
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handler(w, r)
		}))
	})

	AfterEach(func() {
		server.Close()
	})

	It("returns the body and sends the expected headers", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			Expect(r.Header.Get("User-Agent")).To(Equal(httpclient.UserAgent))
			Expect(r.Header.Get("Accept")).To(Equal("application/json"))
			_, _ = w.Write([]byte(`{"items":[]}`))
		}

		body, err := httpclient.NewDefaultClient(0).Get(context.Background(), server.URL)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(Equal(`{"items":[]}`))
	})

	It("returns an HTTPError for non-200 responses", func() {
		handler = func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		_, err := httpclient.NewDefaultClient(time.Second).Get(context.Background(), server.URL)
		Expect(err).To(HaveOccurred())

		var httpErr *httpclient.HTTPError
		Expect(err).To(BeAssignableToTypeOf(httpErr))
		httpErr = err.(*httpclient.HTTPError)
		Expect(httpErr.StatusCode).To(Equal(http.StatusServiceUnavailable))
		Expect(httpErr.Temporary()).To(BeTrue())
	})

	It("rejects responses larger than the limit", func() {
		handler = func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		}

		client := httpclient.NewDefaultClient(0, httpclient.WithMaxResponseSize(16))
		_, err := client.Get(context.Background(), server.URL)
		Expect(err).To(MatchError(ContainSubstring("exceeds maximum allowed size")))
	})

	It("honours context cancellation", func() {
		handler = func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := httpclient.NewDefaultClient(0).Get(ctx, server.URL)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("HTTPError", func() {
	It("formats the status, URL and message", func() {
		err := httpclient.NewHTTPError(500, "http://api.example.com/v1/data", "Internal Server Error")
		Expect(err.Error()).To(Equal("HTTP 500 for URL http://api.example.com/v1/data: Internal Server Error"))
	})

	DescribeTable("Temporary",
		func(code int, want bool) {
			Expect(httpclient.NewHTTPError(code, "u", "m").Temporary()).To(Equal(want))
		},
		Entry("not found", 404, false),
		Entry("too many requests", 429, true),
		Entry("bad gateway", 502, true),
	)
})
