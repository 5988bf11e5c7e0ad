package main

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcedureSQL(t *testing.T) {
	assert.Equal(t, `SELECT "pinghub"."listen"($1, $2)`, procedureSQL("pinghub.listen"))
	assert.Equal(t, `SELECT "listen"($1, $2)`, procedureSQL("listen"))
	assert.Equal(t, `SELECT "a""b"($1, $2)`, procedureSQL(`a"b`))
}

func TestPgDialerTimeout(t *testing.T) {
	// Accepts connections but never answers the startup message.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()

	dial := pgDialer(listenerConfig{
		dsn:            "postgres://pinghub@" + ln.Addr().String() + "/pinghub?sslmode=disable",
		commandTimeout: 100 * time.Millisecond,
	})
	start := time.Now()
	_, err = dial(context.Background(), func(string, string) {})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

const listenerTestSchema = `
CREATE SCHEMA IF NOT EXISTS pgpinghub_test;
CREATE TABLE IF NOT EXISTS pgpinghub_test.json_data (id serial PRIMARY KEY, data jsonb);
CREATE OR REPLACE FUNCTION pgpinghub_test.channel(target text, type text) RETURNS text AS $$
	SELECT type || '__' || n.nspname || '__' || c.relname
	FROM pg_class c JOIN pg_namespace n ON n.oid = c.relnamespace
	WHERE c.oid = target::regclass
$$ LANGUAGE sql;
CREATE OR REPLACE FUNCTION pgpinghub_test.listen(target text, type text) RETURNS text AS $$
DECLARE
	ch text := pgpinghub_test.channel(target, type);
BEGIN
	EXECUTE 'LISTEN ' || quote_ident(ch);
	RETURN ch;
END $$ LANGUAGE plpgsql;
CREATE OR REPLACE FUNCTION pgpinghub_test.unlisten(target text, type text) RETURNS text AS $$
DECLARE
	ch text := pgpinghub_test.channel(target, type);
BEGIN
	EXECUTE 'UNLISTEN ' || quote_ident(ch);
	RETURN ch;
END $$ LANGUAGE plpgsql;
`

// TestPgListener needs a database: PGPINGHUB_TEST_DSN=postgres://... go test
func TestPgListener(t *testing.T) {
	dsn := os.Getenv("PGPINGHUB_TEST_DSN")
	if dsn == "" {
		t.Skip("PGPINGHUB_TEST_DSN not set")
	}
	ctx := context.Background()

	admin, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	defer admin.Close(ctx)
	_, err = admin.Exec(ctx, listenerTestSchema)
	require.NoError(t, err)

	type note struct{ channel, payload string }
	notes := make(chan note, 16)
	dial := pgDialer(listenerConfig{
		dsn:            dsn,
		listenFunc:     "pgpinghub_test.listen",
		unlistenFunc:   "pgpinghub_test.unlisten",
		commandTimeout: 5 * time.Second,
	})
	l, err := dial(ctx, func(channel, payload string) { notes <- note{channel, payload} })
	require.NoError(t, err)
	defer l.close()

	const channel = "insert__pgpinghub_test__json_data"
	got, err := l.listen(ctx, "pgpinghub_test.json_data", "insert")
	require.NoError(t, err)
	assert.Equal(t, channel, got)

	_, err = l.listen(ctx, "pgpinghub_test.jsn_data", "insert")
	require.Error(t, err)
	assert.Equal(t, `relation "pgpinghub_test.jsn_data" does not exist`, classify(err).Error())
	assert.Equal(t, kindNotFound, classify(err).kind)

	for _, payload := range []string{`{"id":1}`, `{"id":2}`} {
		_, err = admin.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
		require.NoError(t, err)
	}
	for _, want := range []string{`{"id":1}`, `{"id":2}`} {
		select {
		case n := <-notes:
			assert.Equal(t, note{channel, want}, n)
		case <-time.After(5 * time.Second):
			t.Fatal("no notification")
		}
	}

	got, err = l.unlisten(ctx, "pgpinghub_test.json_data", "insert")
	require.NoError(t, err)
	assert.Equal(t, channel, got)

	_, err = admin.Exec(ctx, "SELECT pg_notify($1, $2)", channel, `{"id":3}`)
	require.NoError(t, err)
	select {
	case n := <-notes:
		t.Fatal("notification after unlisten:", n)
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, l.close())
	_, err = l.listen(ctx, "pgpinghub_test.json_data", "insert")
	assert.ErrorIs(t, err, errListenerClosed)
}
