package postgres

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoravur/passerby/internal/backend"
)

func TestBuildSelect(t *testing.T) {
	tests := []struct {
		name     string
		query    backend.Query
		wantSQL  string
		wantArgs []any
	}{
		{
			name:    "bare",
			query:   backend.Query{Collection: "posts"},
			wantSQL: `SELECT * FROM "public"."posts"`,
		},
		{
			name: "filters order limit",
			query: backend.Query{
				Collection: "friend_requests",
				Columns:    []string{"id", "requester_id"},
				Filters: []backend.Filter{
					backend.Eq("recipient_id", "u1"),
					backend.Eq("status", "pending"),
				},
				Order: &backend.Order{Column: "created_at", Desc: true},
				Limit: 20,
			},
			wantSQL: `SELECT "id", "requester_id" FROM "public"."friend_requests"` +
				` WHERE "recipient_id"::text = $1 AND "status"::text = $2` +
				` ORDER BY "created_at" DESC NULLS LAST LIMIT $3`,
			wantArgs: []any{"u1", "pending", 20},
		},
		{
			name: "or group and in",
			query: backend.Query{
				Collection: "friend_requests",
				Filters:    []backend.Filter{backend.Eq("status", "accepted")},
				Any: []backend.Filter{
					backend.Eq("requester_id", "me"),
					backend.Eq("recipient_id", "me"),
				},
			},
			wantSQL: `SELECT * FROM "public"."friend_requests" WHERE "status"::text = $1` +
				` AND ("requester_id"::text = $2 OR "recipient_id"::text = $3)`,
			wantArgs: []any{"accepted", "me", "me"},
		},
		{
			name: "in neq null",
			query: backend.Query{
				Collection: "users",
				Filters: []backend.Filter{
					backend.In("id", []string{"a", "b"}),
					backend.Neq("id", "me"),
					backend.Neq("username", nil),
				},
			},
			wantSQL: `SELECT * FROM "public"."users" WHERE "id"::text = ANY($1::text[])` +
				` AND "id"::text IS DISTINCT FROM $2 AND "username" IS NOT NULL`,
			wantArgs: []any{[]string{"a", "b"}, "me"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args, err := buildSelect("public", tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, sql)
			if tt.wantArgs == nil {
				assert.Empty(t, args)
			} else {
				assert.Equal(t, tt.wantArgs, args)
			}
		})
	}
}

func TestIdentifiersAreQuoted(t *testing.T) {
	sql, _, err := buildSelect("public", backend.Query{
		Collection: `posts"; DROP TABLE users; --`,
		Columns:    []string{`a"b`},
	})
	require.NoError(t, err)
	assert.Equal(t, `SELECT "a""b" FROM "public"."posts""; DROP TABLE users; --"`, sql)

	_, _, err = buildSelect("public", backend.Query{})
	assert.Error(t, err)
}

func TestBuildInsertAndUpdate(t *testing.T) {
	sql, args, err := buildInsert("app", "posts", backend.Record{"user_id": "u1", "content": "hi"})
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "app"."posts" ("content", "user_id") VALUES ($1, $2) RETURNING *`, sql)
	assert.Equal(t, []any{"hi", "u1"}, args)

	sql, _, err = buildInsert("app", "conversations", nil)
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "app"."conversations" DEFAULT VALUES RETURNING *`, sql)

	sql, args, err = buildUpdate("app", "users",
		[]backend.Filter{backend.Eq("id", "u1")},
		backend.Record{"username": "neo"})
	require.NoError(t, err)
	assert.Equal(t, `UPDATE "app"."users" SET "username" = $1 WHERE "id"::text = $2`, sql)
	assert.Equal(t, []any{"neo", "u1"}, args)

	_, _, err = buildUpdate("app", "users", nil, backend.Record{"username": "neo"})
	assert.Error(t, err, "unfiltered updates are refused")
}

func TestBuildCall(t *testing.T) {
	sql, args, err := buildCall("public", "send_message", map[string]any{"conv_id": "c1", "body": "hi"})
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM "public"."send_message"("body" => $1, "conv_id" => $2)`, sql)
	assert.Equal(t, []any{"hi", "c1"}, args)
}

func TestClassify(t *testing.T) {
	err := classify("call x", &pgconn.PgError{Code: "P0001", Message: "already friends", Hint: "already_friends"})
	assert.True(t, backend.IsCode(err, backend.CodeAlreadyFriends))

	err = classify("call x", &pgconn.PgError{Code: "P0001", Message: "boom"})
	assert.True(t, backend.IsCode(err, backend.CodeUnknown))

	err = classify("insert users", &pgconn.PgError{Code: "42501", Message: "permission denied"})
	assert.True(t, backend.IsCode(err, backend.CodeForbidden))

	err = classify("query posts", errors.New("connection refused"))
	var te *backend.TransportError
	assert.ErrorAs(t, err, &te)
}

func TestDeref(t *testing.T) {
	id := [16]byte{0x12, 0x34}
	assert.Equal(t, "12340000-0000-0000-0000-000000000000", deref(id))
	assert.Equal(t, "abc", deref([]byte("abc")))
	assert.Equal(t, map[string]any{"a": "x"}, deref(map[string]any{"a": []byte("x")}))
	assert.Nil(t, deref(nil))
}
