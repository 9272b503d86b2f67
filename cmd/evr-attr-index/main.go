/*
Copyright 2024 The evr-attr-index Authors.

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

// Command evr-attr-index watches a glacier storage server's claim
// stream, builds and maintains an attribute index from it, and serves
// that index over a line-oriented TCP query protocol (§2).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"evr-attr-index/pkg/blob"
	"evr-attr-index/pkg/buildinfo"
	"evr-attr-index/pkg/config"
	"evr-attr-index/pkg/envelope"
	"evr-attr-index/pkg/queryserver"
	"evr-attr-index/pkg/runtime"
	_ "evr-attr-index/pkg/sorted/kvfile"   // registers the "kv" index_type
	_ "evr-attr-index/pkg/sorted/mysql"    // registers the "mysql" index_type
	_ "evr-attr-index/pkg/sorted/postgres" // registers the "postgres" index_type
	_ "evr-attr-index/pkg/sorted/sqlite"   // registers the "sqlite" index_type
	"evr-attr-index/pkg/storageclient"
	"evr-attr-index/pkg/workers"
	"evr-attr-index/pkg/xslt"
)

func main() {
	// -version short-circuits config.Load entirely: it must work even
	// without a signer configured, so it's parsed off os.Args directly
	// rather than through the flag.FlagSet config.Load consumes.
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			fmt.Println(buildinfo.Summary())
			return
		}
	}

	cfg, err := config.Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("evr-attr-index: %v", err)
	}

	if err := os.MkdirAll(cfg.StateDirPath, 0700); err != nil {
		log.Fatalf("evr-attr-index: creating state directory %s: %v", cfg.StateDirPath, err)
	}

	// storage is referenced by its own key fetcher before it exists, so
	// fetcherFunc closes over a pointer that's filled in right after.
	var storage *storageclient.Client
	keys := envelope.NewCachingKeyFetcher(envelope.NewKeyFetcher(fetcherFunc(func(ctx context.Context, ref blob.Ref) (io.ReadCloser, uint32, error) {
		return storage.Fetch(ctx, ref)
	})))
	storage = storageclient.New(cfg.StorageAddr(), cfg.Signer, keys)

	proc, err := xslt.NewProcessor()
	if err != nil {
		log.Fatalf("evr-attr-index: %v", err)
	}

	rt := runtime.New()
	deps := workers.Deps{
		Storage:         storage,
		Processor:       proc,
		StateDir:        cfg.StateDirPath,
		WatchOverlap:    config.WatchOverlap(),
		ReindexInterval: cfg.ReindexInterval(),
		IndexType:       cfg.IndexType,
		IndexDBUser:     cfg.IndexDBUser,
		IndexDBPassword: cfg.IndexDBPassword,
		IndexDBHost:     cfg.IndexDBHost,
		IndexDBSSLMode:  cfg.IndexDBSSLMode,
		Verbose:         cfg.Verbose,
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Printf("evr-attr-index: got %v, shutting down", s)
		rt.Shutdown()
	}()

	log.Printf("evr-attr-index: state dir %s, index type %s, storage %s, listening on %s", cfg.StateDirPath, cfg.IndexType, cfg.StorageAddr(), cfg.ListenAddr())

	err = rt.Run(
		func(ctx context.Context) error { return workers.WatchSpecs(ctx, rt, deps) },
		func(ctx context.Context) error { return workers.BuildIndex(ctx, rt, deps) },
		func(ctx context.Context) error { return workers.Sync(ctx, rt, deps) },
		func(ctx context.Context) error { return queryserver.Serve(ctx, rt, cfg.ListenAddr()) },
	)
	rt.Shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "evr-attr-index: %v\n", err)
		os.Exit(1)
	}
}

// fetcherFunc adapts a function to blob.Fetcher, the same shape as
// http.HandlerFunc, so the storage client's own key fetcher can close
// over the client before it's constructed.
type fetcherFunc func(ctx context.Context, ref blob.Ref) (io.ReadCloser, uint32, error)

func (f fetcherFunc) Fetch(ctx context.Context, ref blob.Ref) (io.ReadCloser, uint32, error) {
	return f(ctx, ref)
}
