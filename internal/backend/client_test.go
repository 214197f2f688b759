package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/memberclub/internal/model"
)

func memberJSON(principal, name, plan string) map[string]any {
	return map[string]any{
		"principal":  principal,
		"name":       name,
		"bio":        "hello",
		"github_url": "https://github.com/ann",
		"plan":       plan,
	}
}

func TestGetMember_Found(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/members/p-1" {
			t.Errorf("path = %q, want /api/v1/members/p-1", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": memberJSON("p-1", "Ann", "Free")})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)

	member, err := client.GetMember(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if member == nil {
		t.Fatal("expected member, got nil")
	}
	if member.Name != "Ann" {
		t.Errorf("name = %q, want Ann", member.Name)
	}
	if member.Plan != model.PlanFree {
		t.Errorf("plan = %q, want Free", member.Plan)
	}
}

func TestGetMember_NotFoundReturnsNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"err": "member not found"})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)

	member, err := client.GetMember(context.Background(), "p-unknown")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if member != nil {
		t.Errorf("expected nil member, got %+v", member)
	}
}

func TestGetMember_TransportErrorIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := NewClient(server.URL, nil, nil)

	if _, err := client.GetMember(context.Background(), "p-1"); err == nil {
		t.Fatal("expected error for transport failure")
	}
}

func TestGetMember_UnknownPlanIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": memberJSON("p-1", "Ann", "Gold")})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)

	if _, err := client.GetMember(context.Background(), "p-1"); err == nil {
		t.Fatal("expected error for unknown plan")
	}
}

func TestRegister_Success(t *testing.T) {
	var gotReq registerRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(map[string]any{"ok": memberJSON("p-1", "Ann", "Free")})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)

	member, err := client.Register(context.Background(), "p-1", "Ann", "https://github.com/ann", "hello world")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if member.Plan != model.PlanFree {
		t.Errorf("new member plan = %q, want Free", member.Plan)
	}
	if gotReq.Principal != "p-1" || gotReq.Name != "Ann" {
		t.Errorf("request = %+v", gotReq)
	}
}

func TestRegister_ValidationError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"err": "name already taken"})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)

	_, err := client.Register(context.Background(), "p-1", "Ann", "https://github.com/ann", "hello world")
	if err == nil {
		t.Fatal("expected validation error")
	}

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *model.APIError, got %T", err)
	}
	if apiErr.Code != model.ErrCodeValidationFailed {
		t.Errorf("code = %q, want VALIDATION_FAILED", apiErr.Code)
	}
}

func TestGetCustodialAddress_Deterministic(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if got := r.URL.Query().Get("principal"); got != "p-1" {
			t.Errorf("principal = %q, want p-1", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": "custodial-addr-p1"})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)

	// 何度呼んでも同じアドレスが返る（冪等）
	for i := 0; i < 2; i++ {
		addr, err := client.GetCustodialAddress(context.Background(), "p-1")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if addr != "custodial-addr-p1" {
			t.Errorf("address = %q, want custodial-addr-p1", addr)
		}
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestConfirmPlanPurchase_IdempotentSuccess(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req confirmRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Plan != "Elite" {
			t.Errorf("plan = %q, want Elite", req.Plan)
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": memberJSON("p-1", "Ann", "Elite")})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)

	// 2回連続で確定しても同じ会員値が返り、2回目も失敗しない
	var members []*model.Member
	for i := 0; i < 2; i++ {
		member, err := client.ConfirmPlanPurchase(context.Background(), "p-1", model.PlanElite)
		if err != nil {
			t.Fatalf("confirm #%d: expected no error, got %v", i+1, err)
		}
		members = append(members, member)
	}

	if members[0].Plan != model.PlanElite || members[1].Plan != model.PlanElite {
		t.Errorf("both confirms should return plan Elite: %+v", members)
	}
	if *members[0] != *members[1] {
		t.Errorf("confirms returned different members: %+v != %+v", members[0], members[1])
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestConfirmPlanPurchase_PaymentError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"err": "no deposit found"})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)

	if _, err := client.ConfirmPlanPurchase(context.Background(), "p-1", model.PlanElite); err == nil {
		t.Fatal("expected error for refused purchase")
	}
}

func TestListMembers_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": []any{
			memberJSON("p-1", "Ann", "Free"),
			memberJSON("p-2", "Bob", "Elite"),
		}})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)

	entries, err := client.ListMembers(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Principal != "p-1" || entries[1].Principal != "p-2" {
		t.Errorf("principals = %q, %q", entries[0].Principal, entries[1].Principal)
	}
	if entries[1].Member.Plan != model.PlanElite {
		t.Errorf("member 2 plan = %q, want Elite", entries[1].Member.Plan)
	}
}

func TestCreatePost_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req createPostRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]any{"ok": map[string]any{
			"id":      "post-1",
			"author":  req.Author,
			"title":   req.Title,
			"content": req.Content,
			"status":  req.Status,
		}})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)

	post, err := client.CreatePost(context.Background(), "p-1", "Hello", "<p>hi</p>", model.PostStatusPublished)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if post.ID != "post-1" {
		t.Errorf("id = %q, want post-1", post.ID)
	}
	if post.Status != model.PostStatusPublished {
		t.Errorf("status = %q, want Published", post.Status)
	}
}

func TestGetPost_NotFoundReturnsNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"err": "post not found"})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)

	post, err := client.GetPost(context.Background(), "missing")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if post != nil {
		t.Errorf("expected nil post, got %+v", post)
	}
}
