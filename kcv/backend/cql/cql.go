/*
   Copyright 2024 Titan contributors

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package cql implements the backend contract against a
// Cassandra-compatible cluster over the CQL binary protocol. The row model
// maps onto the compact-storage layout every column family uses:
//
//	CREATE TABLE cf (key blob, column1 blob, value blob,
//	                 PRIMARY KEY (key, column1))
//
// Writer timestamps arrive in wall-clock milliseconds and are carried to
// the cluster in microseconds, which preserves their order.
package cql

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gocql/gocql"
	"github.com/ledgerwatch/log/v3"
	"github.com/pkg/errors"

	"github.com/amitabhakarmakar/titan/kcv"
	"github.com/amitabhakarmakar/titan/kcv/backend"
)

const (
	defaultPort           = 9042
	defaultTimeout        = 10 * time.Second
	defaultConnectTimeout = 5 * time.Second
	defaultProtoVersion   = 4
	defaultDialAttempts   = 3
)

// Config describes how to reach the cluster. Zero fields take defaults.
type Config struct {
	Hosts          []string
	Port           int
	Username       string
	Password       string
	Timeout        time.Duration
	ConnectTimeout time.Duration
	ProtoVersion   int
	// DialAttempts is how many times a failed session setup is retried.
	DialAttempts uint64
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.ProtoVersion == 0 {
		c.ProtoVersion = defaultProtoVersion
	}
	if c.DialAttempts == 0 {
		c.DialAttempts = defaultDialAttempts
	}
	return c
}

// Dial opens a session bound to keyspace, retrying setup with exponential
// backoff.
func Dial(ctx context.Context, cfg Config, keyspace string, logger log.Logger) (backend.Conn, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Hosts) == 0 {
		return nil, errors.New("cql: no hosts configured")
	}

	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Port = cfg.Port
	cluster.Keyspace = keyspace
	cluster.Timeout = cfg.Timeout
	cluster.ConnectTimeout = cfg.ConnectTimeout
	cluster.ProtoVersion = cfg.ProtoVersion
	cluster.Consistency = gocql.All
	if cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	var session *gocql.Session
	op := func() error {
		var err error
		session, err = cluster.CreateSession()
		return err
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("[cql] session setup failed, retrying", "keyspace", keyspace, "in", next, "err", err)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), cfg.DialAttempts), ctx)
	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		return nil, errors.Wrapf(err, "cql: connect %v keyspace %q", cfg.Hosts, keyspace)
	}
	return &conn{session: session, keyspace: keyspace}, nil
}

// DialFunc adapts Dial to the pool's dial contract.
func DialFunc(cfg Config, logger log.Logger) backend.DialFunc {
	return func(ctx context.Context, keyspace string) (backend.Conn, error) {
		return Dial(ctx, cfg, keyspace, logger)
	}
}

type conn struct {
	session  *gocql.Session
	keyspace string
}

var _ backend.Conn = (*conn)(nil)

// cfIdent quotes a column-family name for interpolation into a statement.
// Bind markers cannot carry identifiers, so this is the one place a name
// reaches a statement as text.
func cfIdent(cf string) string {
	return `"` + strings.ReplaceAll(cf, `"`, `""`) + `"`
}

func microTS(ms int64) int64 { return ms * 1000 }

func (c *conn) Get(ctx context.Context, cf string, key, col []byte, cl backend.ConsistencyLevel) (*backend.Column, error) {
	stmt := fmt.Sprintf(`SELECT value, WRITETIME(value) FROM %s WHERE key = ? AND column1 = ?`, cfIdent(cf))

	var value []byte
	var writetime int64
	err := c.session.Query(stmt, key, col).
		WithContext(ctx).
		Consistency(mapConsistency(cl)).
		Scan(&value, &writetime)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, backend.ErrNotFound
		}
		return nil, mapError(err)
	}
	return &backend.Column{
		Name:      kcv.CopyBytes(col),
		Value:     value,
		Timestamp: writetime / 1000,
	}, nil
}

func (c *conn) GetSlice(ctx context.Context, cf string, key []byte, pred backend.SlicePredicate, cl backend.ConsistencyLevel) ([]backend.Column, error) {
	var (
		stmt string
		args []interface{}
	)
	switch {
	case pred.Range != nil:
		var b strings.Builder
		fmt.Fprintf(&b, `SELECT column1, value FROM %s WHERE key = ?`, cfIdent(cf))
		args = append(args, key)
		if len(pred.Range.Start) > 0 {
			b.WriteString(` AND column1 >= ?`)
			args = append(args, pred.Range.Start)
		}
		if len(pred.Range.Finish) > 0 {
			b.WriteString(` AND column1 <= ?`)
			args = append(args, pred.Range.Finish)
		}
		b.WriteString(` LIMIT ?`)
		args = append(args, pred.Range.Count)
		stmt = b.String()
	case len(pred.ColumnNames) > 0:
		stmt = fmt.Sprintf(`SELECT column1, value FROM %s WHERE key = ? AND column1 IN ?`, cfIdent(cf))
		args = []interface{}{key, pred.ColumnNames}
	default:
		return nil, nil
	}

	iter := c.session.Query(stmt, args...).
		WithContext(ctx).
		Consistency(mapConsistency(cl)).
		Iter()

	var out []backend.Column
	var name, value []byte
	for iter.Scan(&name, &value) {
		out = append(out, backend.Column{Name: name, Value: value})
		name, value = nil, nil
	}
	if err := iter.Close(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (c *conn) Insert(ctx context.Context, cf string, key []byte, col backend.Column, cl backend.ConsistencyLevel) error {
	stmt := fmt.Sprintf(`INSERT INTO %s (key, column1, value) VALUES (?, ?, ?) USING TIMESTAMP ?`, cfIdent(cf))
	err := c.session.Query(stmt, key, col.Name, col.Value, microTS(col.Timestamp)).
		WithContext(ctx).
		Consistency(mapConsistency(cl)).
		Exec()
	if err != nil {
		return mapError(err)
	}
	return nil
}

func (c *conn) Remove(ctx context.Context, cf string, key, col []byte, ts int64, cl backend.ConsistencyLevel) error {
	stmt := fmt.Sprintf(`DELETE FROM %s USING TIMESTAMP ? WHERE key = ? AND column1 = ?`, cfIdent(cf))
	err := c.session.Query(stmt, microTS(ts), key, col).
		WithContext(ctx).
		Consistency(mapConsistency(cl)).
		Exec()
	if err != nil {
		return mapError(err)
	}
	return nil
}

func (c *conn) BatchMutate(ctx context.Context, mutations map[string]map[string][]backend.Mutation, cl backend.ConsistencyLevel) error {
	batch := c.session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	batch.SetConsistency(mapConsistency(cl))

	for key, families := range mutations {
		for cf, muts := range families {
			for _, m := range muts {
				switch {
				case m.Insert != nil:
					stmt := fmt.Sprintf(`INSERT INTO %s (key, column1, value) VALUES (?, ?, ?) USING TIMESTAMP ?`, cfIdent(cf))
					batch.Query(stmt, []byte(key), m.Insert.Name, m.Insert.Value, microTS(m.Insert.Timestamp))
				case m.Deletion != nil:
					if len(m.Deletion.Predicate.ColumnNames) == 0 {
						return backend.NewRemoteError(backend.KindInvalidRequest,
							errors.New("cql: deletion predicate must name columns"))
					}
					stmt := fmt.Sprintf(`DELETE FROM %s USING TIMESTAMP ? WHERE key = ? AND column1 IN ?`, cfIdent(cf))
					batch.Query(stmt, microTS(m.Deletion.Timestamp), []byte(key), m.Deletion.Predicate.ColumnNames)
				default:
					return backend.NewRemoteError(backend.KindInvalidRequest, errors.New("cql: empty mutation"))
				}
			}
		}
	}
	if batch.Size() == 0 {
		return nil
	}
	if err := c.session.ExecuteBatch(batch); err != nil {
		return mapError(err)
	}
	return nil
}

func (c *conn) Close() error {
	c.session.Close()
	return nil
}

func mapConsistency(cl backend.ConsistencyLevel) gocql.Consistency {
	switch cl {
	case backend.ConsistencyOne:
		return gocql.One
	case backend.ConsistencyQuorum:
		return gocql.Quorum
	default:
		return gocql.All
	}
}

// mapError tags a gocql failure the way the driver reported it. Anything
// unrecognized is a transport failure.
func mapError(err error) error {
	var (
		unavailable  *gocql.RequestErrUnavailable
		readTimeout  *gocql.RequestErrReadTimeout
		writeTimeout *gocql.RequestErrWriteTimeout
		readFailure  *gocql.RequestErrReadFailure
		writeFailure *gocql.RequestErrWriteFailure
	)
	switch {
	case errors.As(err, &unavailable):
		return backend.NewRemoteError(backend.KindUnavailable, err)
	case errors.As(err, &readFailure), errors.As(err, &writeFailure):
		return backend.NewRemoteError(backend.KindUnavailable, err)
	case errors.As(err, &readTimeout), errors.As(err, &writeTimeout):
		return backend.NewRemoteError(backend.KindTimeout, err)
	case errors.Is(err, gocql.ErrTimeoutNoResponse), errors.Is(err, context.DeadlineExceeded):
		return backend.NewRemoteError(backend.KindTimeout, err)
	}

	var reqErr gocql.RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.Code() {
		case gocql.ErrCodeSyntax, gocql.ErrCodeInvalid, gocql.ErrCodeUnauthorized, gocql.ErrCodeConfig:
			return backend.NewRemoteError(backend.KindInvalidRequest, err)
		case gocql.ErrCodeUnavailable, gocql.ErrCodeOverloaded:
			return backend.NewRemoteError(backend.KindUnavailable, err)
		case gocql.ErrCodeReadTimeout, gocql.ErrCodeWriteTimeout:
			return backend.NewRemoteError(backend.KindTimeout, err)
		}
	}
	return backend.NewRemoteError(backend.KindTransport, err)
}
