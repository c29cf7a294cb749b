/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package gateway

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"hk-tick-md-go/tick"
)

const (
	requestTimeout = 5 * time.Second
	dialTimeout    = 10 * time.Second

	// maxLine bounds one wire line; a full poll response for one symbol
	// fits comfortably.
	maxLine = 4 << 20
)

// Dial opens a QuoteContext against the OpenD bridge, which speaks
// line-delimited JSON: requests carry an id and are answered once; push
// rows arrive as unsolicited "push" lines. Satisfies Factory.
func Dial(host string, port int) (QuoteContext, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	c := &opendConn{
		conn:    conn,
		writer:  bufio.NewWriter(conn),
		pending: make(map[int64]chan wireEnvelope),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

type opendConn struct {
	conn   net.Conn
	writer *bufio.Writer

	mu      sync.Mutex // guards writer and pending
	pending map[int64]chan wireEnvelope
	nextID  atomic.Int64

	handler   atomic.Value // TickHandler
	closed    chan struct{}
	closeOnce sync.Once
}

// wireEnvelope is one line in either direction.
type wireEnvelope struct {
	ID      int64     `json:"id,omitempty"`
	Op      string    `json:"op,omitempty"`
	Symbol  string    `json:"symbol,omitempty"`
	Symbols []string  `json:"symbols,omitempty"`
	Num     int       `json:"num,omitempty"`
	OK      bool      `json:"ok,omitempty"`
	Error   string    `json:"error,omitempty"`
	Rows    []wireRow `json:"rows,omitempty"`
}

// wireRow mirrors the bridge's rt_ticker row. Absent numeric fields stay
// nil so the mapper can distinguish zero from missing.
type wireRow struct {
	Code       string     `json:"code"`
	Time       flexString `json:"time"`
	TradingDay string     `json:"trading_day,omitempty"`
	Price      *float64   `json:"price,omitempty"`
	Volume     *int64     `json:"volume,omitempty"`
	Turnover   *float64   `json:"turnover,omitempty"`
	Direction  string     `json:"ticker_direction,omitempty"`
	TickType   string     `json:"type,omitempty"`
	Seq        *int64     `json:"sequence,omitempty"`
}

// flexString tolerates the bridge sending time as either a JSON string
// or a bare number (epoch).
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	text := strings.TrimSpace(string(data))
	if text == "null" {
		*f = ""
		return nil
	}
	if len(text) >= 2 && text[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(text)
	return nil
}

func (c *opendConn) SetHandler(h TickHandler) {
	c.handler.Store(h)
}

func (c *opendConn) Subscribe(symbols []string) error {
	_, err := c.request(wireEnvelope{Op: "subscribe", Symbols: symbols})
	return err
}

func (c *opendConn) RecentTicks(symbol string, n int) ([]tick.Raw, error) {
	resp, err := c.request(wireEnvelope{Op: "recent", Symbol: symbol, Num: n})
	if err != nil {
		return nil, err
	}
	return rawRows(resp.Rows), nil
}

func (c *opendConn) GlobalState() error {
	_, err := c.request(wireEnvelope{Op: "state"})
	return err
}

func (c *opendConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *opendConn) request(req wireEnvelope) (wireEnvelope, error) {
	select {
	case <-c.closed:
		return wireEnvelope{}, errors.New("connection closed")
	default:
	}

	req.ID = c.nextID.Add(1)
	ch := make(chan wireEnvelope, 1)

	c.mu.Lock()
	c.pending[req.ID] = ch
	data, err := json.Marshal(req)
	if err == nil {
		_, err = c.writer.Write(append(data, '\n'))
		if err == nil {
			err = c.writer.Flush()
		}
	}
	if err != nil {
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return wireEnvelope{}, errors.Wrapf(err, "send %s", req.Op)
	}
	c.mu.Unlock()

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if !resp.OK {
			return wireEnvelope{}, errors.Errorf("%s failed: %s", req.Op, resp.Error)
		}
		return resp, nil
	case <-timer.C:
		c.dropPending(req.ID)
		return wireEnvelope{}, errors.Errorf("%s timed out after %s", req.Op, requestTimeout)
	case <-c.closed:
		c.dropPending(req.ID)
		return wireEnvelope{}, errors.New("connection closed")
	}
}

func (c *opendConn) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop owns the read side: it routes responses to waiters and push
// rows to the installed handler until the socket dies.
func (c *opendConn) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	for scanner.Scan() {
		var env wireEnvelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			log.WithError(err).Warn("gateway_bad_line")
			continue
		}

		if env.ID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[env.ID]
			if ok {
				delete(c.pending, env.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- env
			}
			continue
		}

		if env.Op == "push" && len(env.Rows) > 0 {
			if h, ok := c.handler.Load().(TickHandler); ok && h != nil {
				h(rawRows(env.Rows))
			}
		}
	}

	// Socket gone; fail every waiter so callers reconnect.
	c.mu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- wireEnvelope{ID: id, OK: false, Error: "connection lost"}
	}
	c.mu.Unlock()
	_ = c.Close()
}

func rawRows(rows []wireRow) []tick.Raw {
	out := make([]tick.Raw, len(rows))
	for i := range rows {
		out[i] = tick.Raw{
			Code:       rows[i].Code,
			Time:       string(rows[i].Time),
			TradingDay: rows[i].TradingDay,
			Price:      rows[i].Price,
			Volume:     rows[i].Volume,
			Turnover:   rows[i].Turnover,
			Direction:  rows[i].Direction,
			TickType:   rows[i].TickType,
			Seq:        rows[i].Seq,
		}
	}
	return out
}

var _ QuoteContext = (*opendConn)(nil)
var _ Factory = Dial

// String implements fmt.Stringer for diagnostics.
func (c *opendConn) String() string {
	return fmt.Sprintf("opend(%s)", c.conn.RemoteAddr())
}
