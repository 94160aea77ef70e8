package operations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const userAgent = "autorun/1"

var uriSchema = map[string]any{
	"type":     "object",
	"required": []string{"url"},
	"properties": map[string]any{
		"url":         map[string]any{"type": "string", "pattern": "^https?://"},
		"method":      map[string]any{"type": "string"},
		"body":        map[string]any{},
		"headers":     map[string]any{"type": "object"},
		"status_code": map[string]any{"type": []string{"integer", "array"}, "items": map[string]any{"type": "integer"}},
		"timeout":     map[string]any{"type": "integer", "minimum": 1},
		"user":        map[string]any{"type": "string"},
		"password":    map[string]any{"type": "string"},
	},
}

// URIOp performs an HTTP request and checks the status code. A GET or HEAD
// reports changed=false; any other method reports changed=true. In check
// mode only safe methods are sent.
type URIOp struct {
	Client *http.Client
}

func (o *URIOp) Run(ctx context.Context, params map[string]any, checkMode bool) (map[string]any, error) {
	url := stringParam(params, "url", "")
	method := strings.ToUpper(stringParam(params, "method", http.MethodGet))
	safe := method == http.MethodGet || method == http.MethodHead
	if checkMode && !safe {
		return Result(true, "url", url, "method", method), nil
	}

	var body io.Reader
	contentType := ""
	switch b := params["body"].(type) {
	case nil:
	case string:
		body = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, Failf("encode body: %v", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	timeout := time.Duration(intParam(params, "timeout", 30)) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &Failure{Msg: "build request", Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	headers := stringMapParam(params, "headers")
	for _, k := range sortedKeys(headers) {
		req.Header.Set(k, headers[k])
	}
	if user := stringParam(params, "user", ""); user != "" {
		req.SetBasicAuth(user, stringParam(params, "password", ""))
	}

	client := o.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &Failure{Msg: fmt.Sprintf("%s %s", method, url), Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Failure{Msg: "read response", Err: err}
	}

	out := Result(!safe,
		"url", url,
		"method", method,
		"status", resp.StatusCode,
		"content", truncate(string(raw), 64<<10),
	)
	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		var decoded any
		if json.Unmarshal(raw, &decoded) == nil {
			out["json"] = decoded
		}
	}

	if !statusAccepted(params, resp.StatusCode) {
		return nil, &Failure{
			Msg:    fmt.Sprintf("status code was %d", resp.StatusCode),
			Fields: map[string]any{"status": resp.StatusCode},
			Output: out,
		}
	}
	return out, nil
}

func statusAccepted(params map[string]any, status int) bool {
	var accepted []int
	switch v := params["status_code"].(type) {
	case []any:
		for _, e := range v {
			accepted = append(accepted, intParam(map[string]any{"v": e}, "v", 0))
		}
	case []int:
		accepted = v
	case int, float64, string:
		accepted = []int{intParam(params, "status_code", 200)}
	}
	if len(accepted) == 0 {
		accepted = []int{http.StatusOK}
	}
	for _, a := range accepted {
		if a == status {
			return true
		}
	}
	return false
}
