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

// Package queryserver implements the query server's TCP line protocol
// (§4.8, §6): a listener that spawns one detached goroutine per
// connection, each reading newline-terminated commands and answering
// them against the runtime's current index.
package queryserver

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"sort"
	"strings"

	"evr-attr-index/pkg/attrindex"
	"evr-attr-index/pkg/claimref"
	"evr-attr-index/pkg/runtime"
)

// maxLine bounds a single command line, matching the original
// daemon's 8 KiB read buffer.
const maxLine = 8 * 1024

const helpBanner = "evr-attr-index\n" +
	"These commands are defined.\n" +
	"exit - closes the connection\n" +
	"help - shows this help message\n" +
	"s QUERY - searches for claims matching the given query.\n" +
	"c REF - lists all claims referencing the given seed claim.\n"

// Serve binds addr and accepts connections until ctx is done, running
// each on its own goroutine. It returns ctx.Err() on a clean shutdown
// and a wrapped error if the listener itself fails.
func Serve(ctx context.Context, rt *runtime.Runtime, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("queryserver: listen %s: %v", addr, err)
	}
	log.Printf("queryserver: listening on %s", ln.Addr())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("queryserver: accept: %v", err)
		}
		go serveConn(ctx, rt, conn)
	}
}

// serveConn runs the line-command loop of §4.8 for one connection. A
// command handler returns false to end the connection (exit, a
// shutdown observed mid-command, or a write failure); otherwise the
// loop reads the next line.
func serveConn(ctx context.Context, rt *runtime.Runtime, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, maxLine), maxLine)
	w := bufio.NewWriter(conn)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		cont := runCommand(ctx, rt, w, scanner.Text())
		if err := w.Flush(); err != nil {
			return
		}
		if !cont {
			return
		}
	}
}

func runCommand(ctx context.Context, rt *runtime.Runtime, w *bufio.Writer, line string) bool {
	cmd, args := splitCommand(line)
	switch cmd {
	case "s":
		return runSearch(ctx, rt, w, args)
	case "c":
		return runListClaims(ctx, rt, w, args)
	case "?", "help":
		return runHelp(w)
	case "exit":
		return false
	default:
		respondStatus(w, false, "No such command.")
		respondMessageEnd(w)
		return true
	}
}

func splitCommand(line string) (cmd, args string) {
	i := strings.IndexByte(line, ' ')
	if i < 0 {
		return line, ""
	}
	return line[:i], line[i+1:]
}

// runSearch implements "s <query>": the query is run against a
// non-destructive read of the current index. Query itself reports the
// parse status before streaming any results, so a parse failure is
// simply a status line with no results, not a protocol error.
func runSearch(ctx context.Context, rt *runtime.Runtime, w *bufio.Writer, query string) bool {
	cur, ok := rt.CurrentIndex.Peek(ctx)
	if !ok {
		return false
	}
	err := cur.Index.Query(ctx, query,
		func(ok bool, msg string) { respondStatus(w, ok, msg) },
		func(res attrindex.QueryResult) error { return writeSearchResult(w, res) })
	if err != nil {
		log.Printf("queryserver: search %q: %v", query, err)
		return false
	}
	respondMessageEnd(w)
	return true
}

func writeSearchResult(w *bufio.Writer, res attrindex.QueryResult) error {
	if _, err := fmt.Fprintf(w, "%s\n", res.Target.String()); err != nil {
		return err
	}
	keys := make([]string, 0, len(res.Tuples))
	for k := range res.Tuples {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		values := append([]string(nil), res.Tuples[k]...)
		sort.Strings(values)
		for _, v := range values {
			if _, err := fmt.Fprintf(w, "\t%s=%s\n", k, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// runListClaims implements "c <claim-ref>": visit_claims_for_seed,
// one claim reference per line. Unlike "s" this command carries no
// status line in the original protocol's success path; a malformed
// seed reference responds with an error status instead of silently
// dropping the connection, as the original does.
func runListClaims(ctx context.Context, rt *runtime.Runtime, w *bufio.Writer, arg string) bool {
	seed, ok := claimref.Parse(arg)
	if !ok {
		respondStatus(w, false, "invalid claim reference")
		respondMessageEnd(w)
		return true
	}
	cur, ok := rt.CurrentIndex.Peek(ctx)
	if !ok {
		return false
	}
	err := cur.Index.VisitClaimsForSeed(ctx, seed, func(ref claimref.Ref) error {
		_, err := fmt.Fprintf(w, "%s\n", ref.String())
		return err
	})
	if err != nil {
		log.Printf("queryserver: list-claims %q: %v", arg, err)
		return false
	}
	respondMessageEnd(w)
	return true
}

func runHelp(w *bufio.Writer) bool {
	respondStatus(w, true, "")
	w.WriteString(helpBanner)
	respondMessageEnd(w)
	return true
}

func respondStatus(w *bufio.Writer, ok bool, msg string) {
	switch {
	case ok && msg == "":
		w.WriteString("OK\n")
	case ok:
		fmt.Fprintf(w, "OK %s\n", msg)
	default:
		fmt.Fprintf(w, "ERROR %s\n", msg)
	}
}

func respondMessageEnd(w *bufio.Writer) {
	w.WriteString("\n")
}
