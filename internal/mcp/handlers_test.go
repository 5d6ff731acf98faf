package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/intentmail/intentmail/internal/cache"
	"github.com/intentmail/intentmail/internal/config"
	"github.com/intentmail/intentmail/internal/ops"
	"github.com/intentmail/intentmail/internal/rules"
	"github.com/intentmail/intentmail/internal/store"
	"github.com/intentmail/intentmail/internal/testutil"
	"github.com/intentmail/intentmail/internal/vault"
)

func newTestHandlers(t *testing.T) (*handlers, *store.Store) {
	t.Helper()

	st := testutil.NewTestStore(t)
	v, err := vault.New("test-secret")
	testutil.MustNoErr(t, err)
	c, err := cache.New(st, t.TempDir())
	testutil.MustNoErr(t, err)
	cfg := &config.Config{Sync: config.SyncConfig{MaxMessages: 1000}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &handlers{service: ops.New(cfg, st, v, c, ops.WithLogger(logger))}, st
}

func request(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

// decodeResult unmarshals the single text content of a tool result.
func decodeResult(t *testing.T, res *mcp.CallToolResult) map[string]any {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("%d content blocks", len(res.Content))
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, not text", res.Content[0])
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(text.Text), &out); err != nil {
		t.Fatalf("result is not JSON: %v\n%s", err, text.Text)
	}
	return out
}

func TestEnvelopeInlinesObjectPayloads(t *testing.T) {
	res, err := envelope("result", map[string]any{"total": 3, "hasMore": false})
	testutil.MustNoErr(t, err)
	out := decodeResult(t, res)
	if out["success"] != true {
		t.Errorf("success %v", out["success"])
	}
	if out["total"] != float64(3) {
		t.Errorf("total %v", out["total"])
	}
	if _, nested := out["result"]; nested {
		t.Error("object payload was nested instead of inlined")
	}
}

func TestEnvelopeKeysNonObjectPayloads(t *testing.T) {
	res, err := envelope("ids", []int{1, 2, 3})
	testutil.MustNoErr(t, err)
	out := decodeResult(t, res)
	if out["success"] != true {
		t.Errorf("success %v", out["success"])
	}
	ids, ok := out["ids"].([]any)
	if !ok || len(ids) != 3 {
		t.Errorf("ids %v", out["ids"])
	}
}

func TestErrResultShape(t *testing.T) {
	res, err := errResult(errors.New("account 7 not found"))
	testutil.MustNoErr(t, err)
	out := decodeResult(t, res)
	if out["success"] != false {
		t.Errorf("success %v", out["success"])
	}
	if out["message"] != "account 7 not found" {
		t.Errorf("message %v", out["message"])
	}
	if res.IsError {
		t.Error("tool failure escalated to a protocol error")
	}
}

func TestArgHelpers(t *testing.T) {
	args := map[string]any{
		"good":     float64(42),
		"frac":     1.5,
		"zero":     float64(0),
		"str":      "x",
		"big":      math.Inf(1),
		"names":    []any{"a", "", "b", 7.0},
		"ids":      []any{1.0, 2.5, 3.0, "x"},
		"enabled":  true,
		"disabled": false,
	}

	if id, err := getIDArg(args, "good"); err != nil || id != 42 {
		t.Errorf("getIDArg(good) = %d, %v", id, err)
	}
	for _, key := range []string{"frac", "zero", "str", "missing"} {
		if _, err := getIDArg(args, key); err == nil {
			t.Errorf("getIDArg(%s) accepted", key)
		}
	}
	if id := optIDArg(args, "missing"); id != 0 {
		t.Errorf("optIDArg(missing) = %d", id)
	}

	if got := limitArg(args, "missing", 50); got != 50 {
		t.Errorf("limit default = %d", got)
	}
	if got := limitArg(args, "big", 50); got != maxLimit {
		t.Errorf("limit clamp = %d", got)
	}

	testutil.AssertStrings(t, stringListArg(args, "names"), "a", "b")
	ids := idListArg(args, "ids")
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Errorf("idListArg = %v", ids)
	}

	if v := optBoolArg(args, "disabled"); v == nil || *v != false {
		t.Errorf("optBoolArg(disabled) = %v", v)
	}
	if v := optBoolArg(args, "missing"); v != nil {
		t.Errorf("optBoolArg(missing) = %v", v)
	}
}

func TestSearchHandler(t *testing.T) {
	h, st := newTestHandlers(t)
	acct := testutil.SeedAccount(t, st, store.ProviderGmail, "me@gmail.com")
	testutil.SeedEmail(t, st, acct.ID, "m1", func(e *store.Email) {
		e.Subject = "Quarterly budget review"
	})
	testutil.SeedEmail(t, st, acct.ID, "m2", nil)

	res, err := h.search(context.Background(), request(map[string]any{
		"account_id": float64(acct.ID),
		"query":      "budget",
	}))
	testutil.MustNoErr(t, err)
	out := decodeResult(t, res)
	if out["success"] != true {
		t.Fatalf("result %v", out)
	}
	emails, ok := out["emails"].([]any)
	if !ok || len(emails) != 1 {
		t.Fatalf("emails %v", out["emails"])
	}

	// A bad date folds into the envelope, not a protocol error.
	res, err = h.search(context.Background(), request(map[string]any{"after": "yesterday"}))
	testutil.MustNoErr(t, err)
	out = decodeResult(t, res)
	if out["success"] != false || out["message"] == "" {
		t.Errorf("bad date result %v", out)
	}
}

func TestGetThreadHandlerRequiresAccountID(t *testing.T) {
	h, _ := newTestHandlers(t)
	res, err := h.getThread(context.Background(), request(map[string]any{"thread_id": "t1"}))
	testutil.MustNoErr(t, err)
	out := decodeResult(t, res)
	if out["success"] != false {
		t.Errorf("missing account_id accepted: %v", out)
	}
}

func TestCreateRuleHandlerReturnsIssues(t *testing.T) {
	h, st := newTestHandlers(t)
	acct := testutil.SeedAccount(t, st, store.ProviderGmail, "me@gmail.com")

	res, err := h.createRule(context.Background(), request(map[string]any{
		"account_id": float64(acct.ID),
		"name":       "broken",
		"trigger":    rules.TriggerManual,
		"conditions": []any{
			map[string]any{"field": "from", "operator": "contains", "value": "x"},
		},
		"actions": []any{
			map[string]any{"type": "delete"},
			map[string]any{"type": "archive"},
		},
	}))
	testutil.MustNoErr(t, err)
	out := decodeResult(t, res)
	if out["success"] != false {
		t.Fatalf("conflicting actions accepted: %v", out)
	}
	issues, ok := out["errors"].([]any)
	if !ok || len(issues) == 0 {
		t.Fatalf("no structured issues: %v", out)
	}
	first, _ := issues[0].(map[string]any)
	if first["code"] == "" || first["severity"] == "" {
		t.Errorf("issue shape %v", first)
	}
}

func TestCreateRuleHandlerHappyPath(t *testing.T) {
	h, st := newTestHandlers(t)
	acct := testutil.SeedAccount(t, st, store.ProviderGmail, "me@gmail.com")

	res, err := h.createRule(context.Background(), request(map[string]any{
		"account_id": float64(acct.ID),
		"name":       "newsletters",
		"trigger":    rules.TriggerManual,
		"conditions": []any{
			map[string]any{"field": "from", "operator": "contains", "value": "@newsletter"},
		},
		"actions": []any{
			map[string]any{"type": "applyLabel", "value": "News"},
		},
	}))
	testutil.MustNoErr(t, err)
	out := decodeResult(t, res)
	if out["success"] != true {
		t.Fatalf("create failed: %v", out)
	}
	rule, ok := out["rule"].(map[string]any)
	if !ok || rule["id"] == float64(0) {
		t.Fatalf("rule %v", out["rule"])
	}

	stored, err := st.ListRules(acct.ID)
	testutil.MustNoErr(t, err)
	if len(stored) != 1 {
		t.Errorf("%d rules stored", len(stored))
	}
}

func TestRollbackHandlerRequiresAnID(t *testing.T) {
	h, _ := newTestHandlers(t)
	res, err := h.rollback(context.Background(), request(map[string]any{}))
	testutil.MustNoErr(t, err)
	out := decodeResult(t, res)
	if out["success"] != false {
		t.Errorf("rollback with no id accepted: %v", out)
	}
}
