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

// titan-kcv is an operator tool for poking at the graph store's
// key-column-value data: point reads, column slices, inserts and deletes
// against a live cluster. Keys, columns and values are hex-encoded on the
// command line, with an optional 0x prefix.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ledgerwatch/log/v3"
	"github.com/pelletier/go-toml/v2"
	"github.com/urfave/cli/v2"

	"github.com/amitabhakarmakar/titan/kcv"
	"github.com/amitabhakarmakar/titan/kcv/backend"
	"github.com/amitabhakarmakar/titan/kcv/backend/cql"
	"github.com/amitabhakarmakar/titan/kcv/cassandra"
)

var (
	configFlag = &cli.StringFlag{Name: "config", Usage: "TOML config file; flags override it"}
	hostsFlag  = &cli.StringSliceFlag{Name: "hosts", Usage: "cluster contact points", Value: cli.NewStringSlice("127.0.0.1")}
	portFlag   = &cli.IntFlag{Name: "port", Usage: "native protocol port", Value: 9042}
	ksFlag     = &cli.StringFlag{Name: "keyspace", Usage: "keyspace name", Value: kcv.DefaultKeyspace}
	cfFlag     = &cli.StringFlag{Name: "cf", Usage: "column family name", Value: kcv.EdgeStore}
	userFlag   = &cli.StringFlag{Name: "username", Usage: "cluster credentials"}
	passFlag   = &cli.StringFlag{Name: "password", Usage: "cluster credentials"}
	timeoutFlag = &cli.DurationFlag{Name: "timeout", Usage: "per-request timeout", Value: 10 * time.Second}
	verbosityFlag = &cli.StringFlag{Name: "verbosity", Usage: "log level: trace|debug|info|warn|error|crit", Value: "info"}

	keyFlag    = &cli.StringFlag{Name: "key", Usage: "row key, hex", Required: true}
	columnFlag = &cli.StringFlag{Name: "column", Usage: "column name, hex"}
	valueFlag  = &cli.StringFlag{Name: "value", Usage: "column value, hex"}
	startFlag  = &cli.StringFlag{Name: "start", Usage: "slice start column, hex"}
	endFlag    = &cli.StringFlag{Name: "end", Usage: "slice end column, hex"}
	startExclusiveFlag = &cli.BoolFlag{Name: "start-exclusive", Usage: "exclude the start column"}
	endExclusiveFlag   = &cli.BoolFlag{Name: "end-exclusive", Usage: "exclude the end column"}
	limitFlag  = &cli.IntFlag{Name: "limit", Usage: "maximum entries returned", Value: 100}
)

// fileConfig mirrors the connection flags for TOML files.
type fileConfig struct {
	Hosts        []string `toml:"hosts"`
	Port         int      `toml:"port"`
	Keyspace     string   `toml:"keyspace"`
	ColumnFamily string   `toml:"column_family"`
	Username     string   `toml:"username"`
	Password     string   `toml:"password"`
	Timeout      string   `toml:"timeout"`
}

func main() {
	app := &cli.App{
		Name:  "titan-kcv",
		Usage: "inspect and mutate graph-store key-column-value data",
		Flags: []cli.Flag{configFlag, hostsFlag, portFlag, ksFlag, cfFlag, userFlag, passFlag, timeoutFlag, verbosityFlag},
		Commands: []*cli.Command{
			{
				Name:   "get",
				Usage:  "read one (key, column) value",
				Flags:  []cli.Flag{keyFlag, columnFlag},
				Action: runGet,
			},
			{
				Name:   "slice",
				Usage:  "read a column interval of one key",
				Flags:  []cli.Flag{keyFlag, startFlag, endFlag, startExclusiveFlag, endExclusiveFlag, limitFlag},
				Action: runSlice,
			},
			{
				Name:   "exists",
				Usage:  "test for a key, or a (key, column) when --column is given",
				Flags:  []cli.Flag{keyFlag, columnFlag},
				Action: runExists,
			},
			{
				Name:   "insert",
				Usage:  "write one (key, column) value",
				Flags:  []cli.Flag{keyFlag, columnFlag, valueFlag},
				Action: runInsert,
			},
			{
				Name:   "delete",
				Usage:  "delete one (key, column)",
				Flags:  []cli.Flag{keyFlag, columnFlag},
				Action: runDelete,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupStore(cliCtx *cli.Context) (*cassandra.Store, backend.Pool, error) {
	lvl, err := log.LvlFromString(cliCtx.String(verbosityFlag.Name))
	if err != nil {
		return nil, nil, err
	}
	logger := log.New()
	logger.SetHandler(log.LvlFilterHandler(lvl, log.StderrHandler))

	cfg := cql.Config{
		Hosts:   cliCtx.StringSlice(hostsFlag.Name),
		Port:    cliCtx.Int(portFlag.Name),
		Timeout: cliCtx.Duration(timeoutFlag.Name),
	}
	keyspace := cliCtx.String(ksFlag.Name)
	cf := cliCtx.String(cfFlag.Name)
	cfg.Username = cliCtx.String(userFlag.Name)
	cfg.Password = cliCtx.String(passFlag.Name)

	if path := cliCtx.String(configFlag.Name); path != "" {
		var fc fileConfig
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, err
		}
		if err := toml.Unmarshal(raw, &fc); err != nil {
			return nil, nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if len(fc.Hosts) > 0 && !cliCtx.IsSet(hostsFlag.Name) {
			cfg.Hosts = fc.Hosts
		}
		if fc.Port != 0 && !cliCtx.IsSet(portFlag.Name) {
			cfg.Port = fc.Port
		}
		if fc.Keyspace != "" && !cliCtx.IsSet(ksFlag.Name) {
			keyspace = fc.Keyspace
		}
		if fc.ColumnFamily != "" && !cliCtx.IsSet(cfFlag.Name) {
			cf = fc.ColumnFamily
		}
		if fc.Username != "" && !cliCtx.IsSet(userFlag.Name) {
			cfg.Username = fc.Username
		}
		if fc.Password != "" && !cliCtx.IsSet(passFlag.Name) {
			cfg.Password = fc.Password
		}
		if fc.Timeout != "" && !cliCtx.IsSet(timeoutFlag.Name) {
			d, err := time.ParseDuration(fc.Timeout)
			if err != nil {
				return nil, nil, fmt.Errorf("parse %s: timeout: %w", path, err)
			}
			cfg.Timeout = d
		}
	}

	pool := backend.NewFixedPool(cql.DialFunc(cfg, logger), backend.PoolConfig{MaxPerKeyspace: 2}, logger)
	store, err := cassandra.NewStore(keyspace, cf, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool, nil
}

func hexArg(cliCtx *cli.Context, name string) ([]byte, error) {
	raw := strings.TrimPrefix(cliCtx.String(name), "0x")
	if raw == "" {
		return nil, fmt.Errorf("missing --%s", name)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return b, nil
}

func runGet(cliCtx *cli.Context) error {
	store, pool, err := setupStore(cliCtx)
	if err != nil {
		return err
	}
	defer pool.Close()

	key, err := hexArg(cliCtx, keyFlag.Name)
	if err != nil {
		return err
	}
	column, err := hexArg(cliCtx, columnFlag.Name)
	if err != nil {
		return err
	}
	v, ok, err := store.Get(cliCtx.Context, key, column, nil)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("not found")
		return nil
	}
	fmt.Printf("0x%x\n", v)
	return nil
}

func runSlice(cliCtx *cli.Context) error {
	store, pool, err := setupStore(cliCtx)
	if err != nil {
		return err
	}
	defer pool.Close()

	key, err := hexArg(cliCtx, keyFlag.Name)
	if err != nil {
		return err
	}
	start, err := hexArg(cliCtx, startFlag.Name)
	if err != nil {
		return err
	}
	end, err := hexArg(cliCtx, endFlag.Name)
	if err != nil {
		return err
	}
	entries, err := store.GetSlice(cliCtx.Context, key, kcv.SliceQuery{
		Start:          start,
		End:            end,
		StartInclusive: !cliCtx.Bool(startExclusiveFlag.Name),
		EndInclusive:   !cliCtx.Bool(endExclusiveFlag.Name),
		Limit:          cliCtx.Int(limitFlag.Name),
	}, nil)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("0x%x\t0x%x\n", e.Column, e.Value)
	}
	fmt.Printf("(%d entries)\n", len(entries))
	return nil
}

func runExists(cliCtx *cli.Context) error {
	store, pool, err := setupStore(cliCtx)
	if err != nil {
		return err
	}
	defer pool.Close()

	key, err := hexArg(cliCtx, keyFlag.Name)
	if err != nil {
		return err
	}
	var ok bool
	if cliCtx.IsSet(columnFlag.Name) {
		column, err := hexArg(cliCtx, columnFlag.Name)
		if err != nil {
			return err
		}
		ok, err = store.ContainsKeyColumn(cliCtx.Context, key, column, nil)
		if err != nil {
			return err
		}
	} else {
		ok, err = store.ContainsKey(cliCtx.Context, key, nil)
		if err != nil {
			return err
		}
	}
	fmt.Println(ok)
	return nil
}

func runInsert(cliCtx *cli.Context) error {
	store, pool, err := setupStore(cliCtx)
	if err != nil {
		return err
	}
	defer pool.Close()

	key, err := hexArg(cliCtx, keyFlag.Name)
	if err != nil {
		return err
	}
	column, err := hexArg(cliCtx, columnFlag.Name)
	if err != nil {
		return err
	}
	value, err := hexArg(cliCtx, valueFlag.Name)
	if err != nil {
		return err
	}
	return store.Insert(cliCtx.Context, key, []kcv.Entry{{Column: column, Value: value}}, nil)
}

func runDelete(cliCtx *cli.Context) error {
	store, pool, err := setupStore(cliCtx)
	if err != nil {
		return err
	}
	defer pool.Close()

	key, err := hexArg(cliCtx, keyFlag.Name)
	if err != nil {
		return err
	}
	column, err := hexArg(cliCtx, columnFlag.Name)
	if err != nil {
		return err
	}
	return store.Delete(cliCtx.Context, key, [][]byte{column}, nil)
}
