package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// Environment variables read by NewVaultSourceFromEnv.
const (
	EnvVaultAddr  = "VAULT_ADDR"
	EnvVaultToken = "VAULT_TOKEN"
)

// VaultSource resolves "path#field" references against a HashiCorp Vault
// KV engine. Both the v1 ({"data": {...}}) and v2 ({"data": {"data": {...}}})
// response shapes are understood.
type VaultSource struct {
	Addr  string
	Token string
	// Refs maps secret names to "path#field" references. A name without an
	// entry is used as the reference itself when it contains '#'.
	Refs   map[string]string
	Client *http.Client

	mu    sync.Mutex
	cache map[string]map[string]any // path -> fields
}

// NewVaultSourceFromEnv returns a VaultSource configured from VAULT_ADDR and
// VAULT_TOKEN, or nil when either is unset.
func NewVaultSourceFromEnv(refs map[string]string) *VaultSource {
	addr := os.Getenv(EnvVaultAddr)
	token := os.Getenv(EnvVaultToken)
	if addr == "" || token == "" {
		return nil
	}
	return &VaultSource{Addr: addr, Token: token, Refs: refs}
}

func (v *VaultSource) Name() string { return "vault" }

func (v *VaultSource) Lookup(ctx context.Context, name string) (string, bool, error) {
	ref, ok := v.Refs[name]
	if !ok {
		if !strings.Contains(name, "#") {
			return "", false, nil
		}
		ref = name
	}
	path, field, err := ParseVaultRef(ref)
	if err != nil {
		return "", false, err
	}

	fields, err := v.read(ctx, path)
	if err != nil {
		return "", false, err
	}
	if fields == nil {
		return "", false, nil
	}
	raw, ok := fields[field]
	if !ok || raw == nil {
		return "", false, nil
	}
	if s, ok := raw.(string); ok {
		return s, true, nil
	}
	return fmt.Sprint(raw), true, nil
}

// ParseVaultRef splits "path#field".
func ParseVaultRef(ref string) (path, field string, err error) {
	path, field, ok := strings.Cut(ref, "#")
	path = strings.Trim(path, "/")
	if !ok || path == "" || field == "" {
		return "", "", fmt.Errorf("invalid vault reference %q: want path#field", ref)
	}
	return path, field, nil
}

func (v *VaultSource) read(ctx context.Context, path string) (map[string]any, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if fields, ok := v.cache[path]; ok {
		return fields, nil
	}

	url := strings.TrimRight(v.Addr, "/") + "/v1/" + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Vault-Token", v.Token)
	req.Header.Set("User-Agent", "autorun/1")

	client := v.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault read %s: %w", path, err)
	}
	defer resp.Body.Close()

	var fields map[string]any
	switch {
	case resp.StatusCode == http.StatusNotFound:
		// Cache the miss so every secret under a missing path costs one request.
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("vault read %s: HTTP %d", path, resp.StatusCode)
	default:
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("vault read %s: %w", path, err)
		}
		fields, err = decodeVaultData(body)
		if err != nil {
			return nil, fmt.Errorf("vault read %s: %w", path, err)
		}
	}

	if v.cache == nil {
		v.cache = make(map[string]map[string]any)
	}
	v.cache[path] = fields
	return fields, nil
}

func decodeVaultData(body []byte) (map[string]any, error) {
	var envelope struct {
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	// KV v2 nests the secret under data.data next to data.metadata.
	if inner, ok := envelope.Data["data"].(map[string]any); ok {
		if _, hasMeta := envelope.Data["metadata"]; hasMeta {
			return inner, nil
		}
	}
	return envelope.Data, nil
}
