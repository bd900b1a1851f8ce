package hostapi

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/MXWXZ/plugd/fault"
	"github.com/MXWXZ/plugd/security"

	"github.com/valyala/bytebufferpool"
)

type Response struct {
	Status int
	Header map[string]string
	Body   string
}

func (h *Host) allowed(u *url.URL) bool {
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if len(h.opts.AllowHosts) == 0 {
		return true
	}
	host := u.Hostname()
	for _, v := range h.opts.AllowHosts {
		if strings.EqualFold(v, host) || (strings.HasPrefix(v, "*.") && strings.HasSuffix(host, v[1:])) {
			return true
		}
	}
	return false
}

// Fetch performs one HTTP request, counted against the network ceiling.
func (h *Host) Fetch(method string, rawURL string, body string) (*Response, error) {
	if err := h.require(security.CapNetwork, "fetch"); err != nil {
		return nil, err
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if !h.allowed(u) {
		return nil, &fault.PermissionError{Capability: string(security.CapNetwork), Op: "fetch", Origin: u.Scheme + "://" + u.Host}
	}
	if err := h.opts.Meter.Charge(fault.ResourceNetwork, 1); err != nil {
		return nil, err
	}
	if method == "" {
		method = http.MethodGet
	}

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(h.callContext(), strings.ToUpper(method), u.String(), reader)
	if err != nil {
		return nil, err
	}
	client := h.opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	rsp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer rsp.Body.Close()

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	src := io.Reader(rsp.Body)
	if h.opts.MaxValue > 0 {
		src = io.LimitReader(rsp.Body, h.opts.MaxValue+1)
	}
	if _, err := buf.ReadFrom(src); err != nil {
		return nil, err
	}
	if err := h.opts.Meter.Charge(fault.ResourceFileSize, int64(buf.Len())); err != nil {
		return nil, err
	}

	ret := &Response{
		Status: rsp.StatusCode,
		Header: make(map[string]string, len(rsp.Header)),
		Body:   buf.String(),
	}
	for k := range rsp.Header {
		ret.Header[k] = rsp.Header.Get(k)
	}
	return ret, nil
}
