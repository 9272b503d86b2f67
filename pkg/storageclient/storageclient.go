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

// Package storageclient speaks the glacier storage server's wire
// protocol: get-blob, watch-blobs, and the fetch-signed-xml /
// fetch-stylesheet compositions built on top of them. Connections are
// cheap to recreate; every operation but WatchBlobs dials, does its
// request/response round trip, and closes.
package storageclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/time/rate"

	"evr-attr-index/pkg/blob"
	"evr-attr-index/pkg/claims"
	"evr-attr-index/pkg/envelope"
	"evr-attr-index/pkg/xslt"
)

// Wire command bytes. Framing is ours to choose: the spec treats the
// storage server's own TCP protocol as an external collaborator,
// specified only by the request/response shapes below.
const (
	cmdGetBlob    byte = 1
	cmdWatchBlobs byte = 2
)

// Response status bytes.
const (
	statusOK       byte = 0
	statusNotFound byte = 1
	statusError    byte = 2
)

// Record flag bits. FlagEndOfBacklog marks the transition from
// historical to live records within a watch-blobs stream; FlagClaim
// and FlagIndexRule classify the blob a record refers to and double
// as filter bits in a Filter's FlagsFilter.
const (
	FlagEndOfBacklog uint8 = 1 << 0
	FlagClaim        uint8 = 1 << 1
	FlagIndexRule    uint8 = 1 << 2
)

// ErrNotFound is returned by GetBlob when the storage server reports
// the blob does not exist.
var ErrNotFound = fmt.Errorf("storageclient: blob not found")

// maxBody bounds how large a blob body GetBlob will read, matching the
// server-declared maximum the spec requires clients to enforce.
const maxBody = 1 << 30 // 1 GiB

// Client talks to one glacier storage server. The zero value is not
// usable; construct one with New.
type Client struct {
	addr        string
	dialTimeout time.Duration
	limiter     *rate.Limiter

	signer blob.Ref
	keys   envelope.KeyFetcher
}

// New returns a Client dialing addr ("host:port") on demand. signer is
// the blob reference of the public key every fetched claim-set and
// stylesheet envelope must be signed by; keys resolves that reference
// to an OpenPGP entity (typically envelope.NewCachingKeyFetcher wrapping
// envelope.NewKeyFetcher(client), since the Client itself is a
// blob.Fetcher).
func New(addr string, signer blob.Ref, keys envelope.KeyFetcher) *Client {
	return &Client{
		addr:        addr,
		dialTimeout: 10 * time.Second,
		limiter:     rate.NewLimiter(rate.Every(time.Second), 1),
		signer:      signer,
		keys:        keys,
	}
}

// SetReconnectLimit overrides the rate at which WaitReconnect lets a
// caller retry a freshly failed connection. The default allows one
// reconnect attempt per second.
func (c *Client) SetReconnectLimit(l *rate.Limiter) {
	c.limiter = l
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.dialTimeout}
	return d.DialContext(ctx, "tcp", c.addr)
}

// GetBlob fetches a blob's flag byte and body.
func (c *Client) GetBlob(ctx context.Context, ref blob.Ref) (flag byte, body []byte, err error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("storageclient: dial: %v", err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	digest := ref.Bytes()
	req := make([]byte, 1+len(digest))
	req[0] = cmdGetBlob
	copy(req[1:], digest)
	if _, err := conn.Write(req); err != nil {
		return 0, nil, fmt.Errorf("storageclient: writing get-blob request: %v", err)
	}

	r := bufio.NewReader(conn)
	status, err := r.ReadByte()
	if err != nil {
		return 0, nil, fmt.Errorf("storageclient: reading get-blob status: %v", err)
	}
	switch status {
	case statusNotFound:
		return 0, nil, ErrNotFound
	case statusOK:
	default:
		return 0, nil, fmt.Errorf("storageclient: get-blob status %d", status)
	}

	flag, err = r.ReadByte()
	if err != nil {
		return 0, nil, fmt.Errorf("storageclient: reading blob flag: %v", err)
	}
	var size uint64
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return 0, nil, fmt.Errorf("storageclient: reading blob size: %v", err)
	}
	if size > maxBody {
		return 0, nil, fmt.Errorf("storageclient: blob %v body %d bytes exceeds maximum %d", ref, size, maxBody)
	}
	body = make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("storageclient: reading blob body: %v", err)
	}
	return flag, body, nil
}

// Fetch implements blob.Fetcher, so a Client can serve as the key
// source for an envelope.KeyFetcher.
func (c *Client) Fetch(ctx context.Context, ref blob.Ref) (io.ReadCloser, uint32, error) {
	_, body, err := c.GetBlob(ctx, ref)
	if err != nil {
		return nil, 0, err
	}
	return io.NopCloser(bytes.NewReader(body)), uint32(len(body)), nil
}

// Filter selects which watch-blobs records a Watch delivers.
type Filter struct {
	// FlagsFilter is a bitmask of FlagClaim / FlagIndexRule; a record
	// is delivered only if it has at least one bit FlagsFilter sets.
	FlagsFilter uint64
	// LastModifiedAfter restricts the stream to records modified
	// strictly after this Unix timestamp.
	LastModifiedAfter uint64
}

// WatchRecord describes one blob the storage server reports as
// matching a Watch's Filter.
type WatchRecord struct {
	Ref          blob.Ref
	Flags        uint8
	LastModified uint64
}

// EndOfBacklog reports whether this record is the marker transitioning
// the stream from historical to live records.
func (r WatchRecord) EndOfBacklog() bool {
	return r.Flags&FlagEndOfBacklog != 0
}

// Watch is a dedicated connection streaming WatchRecords until closed.
type Watch struct {
	conn net.Conn
	r    *bufio.Reader
}

// WatchBlobs opens a dedicated connection and requests the unbounded
// record stream matching filter. The returned Watch owns the
// connection; callers must Close it.
func (c *Client) WatchBlobs(ctx context.Context, filter Filter) (*Watch, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("storageclient: dial: %v", err)
	}

	req := make([]byte, 1+8+8)
	req[0] = cmdWatchBlobs
	binary.BigEndian.PutUint64(req[1:9], filter.FlagsFilter)
	binary.BigEndian.PutUint64(req[9:17], filter.LastModifiedAfter)
	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storageclient: writing watch-blobs request: %v", err)
	}

	r := bufio.NewReader(conn)
	status, err := r.ReadByte()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("storageclient: reading watch-blobs status: %v", err)
	}
	if status != statusOK {
		conn.Close()
		return nil, fmt.Errorf("storageclient: watch-blobs status %d", status)
	}
	return &Watch{conn: conn, r: r}, nil
}

// Next blocks until the next record arrives, ctx is done, or the
// stream ends. Context cancellation closes the underlying connection.
func (w *Watch) Next(ctx context.Context) (WatchRecord, error) {
	type result struct {
		rec WatchRecord
		err error
	}
	done := make(chan result, 1)
	go func() {
		var digest [blob.Size]byte
		if _, err := io.ReadFull(w.r, digest[:]); err != nil {
			done <- result{err: err}
			return
		}
		flags, err := w.r.ReadByte()
		if err != nil {
			done <- result{err: err}
			return
		}
		var lastMod uint64
		if err := binary.Read(w.r, binary.BigEndian, &lastMod); err != nil {
			done <- result{err: err}
			return
		}
		var ref blob.Ref
		if err := ref.UnmarshalBinary(digest[:]); err != nil {
			done <- result{err: err}
			return
		}
		done <- result{rec: WatchRecord{Ref: ref, Flags: flags, LastModified: lastMod}}
	}()
	select {
	case <-ctx.Done():
		w.conn.Close()
		<-done
		return WatchRecord{}, ctx.Err()
	case res := <-done:
		return res.rec, res.err
	}
}

// Close tears down the watch connection.
func (w *Watch) Close() error {
	return w.conn.Close()
}

// FetchVerifiedXML performs get-blob and verifies the PGP
// cleartext-signed envelope against the Client's configured signer,
// returning the verified UTF-8 XML payload unparsed. This is the raw
// claim-set document attrindex.MergeClaimSet expects to pass through
// its configured stylesheet.
func (c *Client) FetchVerifiedXML(ctx context.Context, ref blob.Ref) ([]byte, error) {
	_, body, err := c.GetBlob(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("storageclient: fetch-verified-xml %v: %v", ref, err)
	}
	plain, err := envelope.Verify(ctx, body, c.signer, c.keys)
	if err != nil {
		return nil, fmt.Errorf("storageclient: fetch-verified-xml %v: %v", ref, err)
	}
	return plain, nil
}

// FetchSignedXML performs get-blob, verifies the PGP cleartext-signed
// envelope against the Client's configured signer, and parses the
// verified payload as a claim-set. Used by the watch-specs worker,
// which needs to inspect claims directly rather than pass the document
// through an attr-spec's stylesheet.
func (c *Client) FetchSignedXML(ctx context.Context, ref blob.Ref) (*claims.ClaimSet, error) {
	plain, err := c.FetchVerifiedXML(ctx, ref)
	if err != nil {
		return nil, err
	}
	cs, err := claims.Parse(plain, ref)
	if err != nil {
		return nil, fmt.Errorf("storageclient: fetch-signed-xml %v: %v", ref, err)
	}
	return cs, nil
}

// FetchStylesheet performs get-blob, verifies the envelope, and
// compiles the verified XSLT document under dir via proc.
func (c *Client) FetchStylesheet(ctx context.Context, ref blob.Ref, proc *xslt.Processor, dir string) (xslt.Stylesheet, error) {
	_, body, err := c.GetBlob(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("storageclient: fetch-stylesheet %v: %v", ref, err)
	}
	plain, err := envelope.Verify(ctx, body, c.signer, c.keys)
	if err != nil {
		return nil, fmt.Errorf("storageclient: fetch-stylesheet %v: %v", ref, err)
	}
	sheet, err := proc.Compile(plain, dir)
	if err != nil {
		return nil, fmt.Errorf("storageclient: fetch-stylesheet %v: %v", ref, err)
	}
	return sheet, nil
}

// WaitReconnect paces a caller's retry loop after a failed dial or
// stream error, so a persistently unreachable storage server doesn't
// spin a worker in a tight dial loop. The default allows one reconnect
// attempt per second.
func (c *Client) WaitReconnect(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}
