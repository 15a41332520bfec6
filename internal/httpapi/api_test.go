package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketchat/relay/internal/chat"
	"github.com/marketchat/relay/internal/presence"
	"github.com/marketchat/relay/internal/relay"
)

type nopPusher struct{}

func (nopPusher) Push(string, *chat.Message) error { return nil }

var testAdmin = AdminCredentials{
	Email:    "admin@example.com",
	Password: "hunter2-hunter2",
	Secret:   []byte("0123456789abcdef0123456789abcdef"),
}

type fixture struct {
	router   *gin.Engine
	relay    *relay.Relay
	store    *chat.BadgerStore
	registry *presence.Registry
}

func newFixture(t *testing.T, admin AdminCredentials) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := chat.OpenBadger(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := presence.NewRegistry()
	r := relay.New(store, registry, nopPusher{})

	return &fixture{
		router:   New(r, store, registry, admin).Router(),
		relay:    r,
		store:    store,
		registry: registry,
	}
}

func (f *fixture) do(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) login(t *testing.T) string {
	t.Helper()
	rec := f.do(http.MethodPost, "/api/admin-login", "",
		`{"email":" admin@example.com ","password":"hunter2-hunter2"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestHistory(t *testing.T) {
	f := newFixture(t, testAdmin)
	ctx := context.Background()

	_, err := f.relay.Send(ctx, "cust1", "vendor1", "order?")
	require.NoError(t, err)
	_, err = f.relay.Send(ctx, "vendor1", "cust1", "on its way")
	require.NoError(t, err)
	_, err = f.relay.Send(ctx, "cust2", "vendor1", "other thread")
	require.NoError(t, err)

	rec := f.do(http.MethodGet, "/api/chats?senderId=vendor1&receiverId=cust1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var msgs []chat.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "order?", msgs[0].Body)
	assert.Equal(t, "on its way", msgs[1].Body)

	rec = f.do(http.MethodGet, "/api/chats?senderId=nobody&receiverId=cust1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = f.do(http.MethodGet, "/api/chats?senderId=vendor1", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCounterpartsAndPresence(t *testing.T) {
	f := newFixture(t, testAdmin)
	ctx := context.Background()

	_, err := f.relay.Send(ctx, "cust1", "vendor1", "hi")
	require.NoError(t, err)
	_, err = f.relay.Send(ctx, "vendor1", "cust2", "hello")
	require.NoError(t, err)

	rec := f.do(http.MethodGet, "/api/counterparts/vendor1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"party_id":"vendor1","counterparts":["cust1","cust2"]}`, rec.Body.String())

	rec = f.do(http.MethodGet, "/api/counterparts/loner", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"party_id":"loner","counterparts":[]}`, rec.Body.String())

	rec = f.do(http.MethodGet, "/api/presence/vendor1", "", "")
	assert.JSONEq(t, `{"identity":"vendor1","online":false}`, rec.Body.String())

	f.registry.Register("vendor1", "sess-1")
	rec = f.do(http.MethodGet, "/api/presence/vendor1", "", "")
	assert.JSONEq(t, `{"identity":"vendor1","online":true}`, rec.Body.String())
}

func TestAdminLogin(t *testing.T) {
	f := newFixture(t, testAdmin)

	rec := f.do(http.MethodPost, "/api/admin-login", "", `{"email":"admin@example.com","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, "/api/admin-login", "", `{"email":"admin@example.com"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	token := f.login(t)
	claims, err := testAdmin.verify(token)
	require.NoError(t, err)
	assert.Equal(t, roleAdmin, claims.Role)
	assert.Equal(t, "admin@example.com", claims.Subject)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	f := newFixture(t, testAdmin)

	rec := f.do(http.MethodGet, "/api/chats/all-details", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/api/chats/all-details", "not-a-jwt", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	other := testAdmin
	other.Secret = []byte("another-secret-another-secret!!")
	forged, err := other.issue(time.Now())
	require.NoError(t, err)
	rec = f.do(http.MethodGet, "/api/chats/all-details", forged, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := testAdmin.issue(time.Now().Add(-2 * tokenDuration))
	require.NoError(t, err)
	rec = f.do(http.MethodGet, "/api/chats/all-details", expired, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminDisabled(t *testing.T) {
	f := newFixture(t, AdminCredentials{})

	rec := f.do(http.MethodPost, "/api/admin-login", "", `{"email":"a@b.c","password":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodGet, "/api/chats/all-details", "anything", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAllDetailsAndDelete(t *testing.T) {
	f := newFixture(t, testAdmin)
	ctx := context.Background()
	token := f.login(t)

	first, err := f.relay.Send(ctx, "cust1", "vendor1", "one")
	require.NoError(t, err)
	_, err = f.relay.Send(ctx, "cust2", "vendor2", "two")
	require.NoError(t, err)

	rec := f.do(http.MethodGet, "/api/chats/all-details", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var all []chat.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	require.Len(t, all, 2)
	assert.Equal(t, "one", all[0].Body)

	rec = f.do(http.MethodDelete, "/api/chats/not-a-uuid", token, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodDelete, "/api/chats/"+uuid.NewString(), token, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodDelete, "/api/chats/"+first.ID, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodDelete, "/api/chats/"+first.ID, token, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	msgs, err := f.store.Query(ctx, "vendor1", "cust1")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	rec = f.do(http.MethodDelete, "/api/chats/"+first.ID, token, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
