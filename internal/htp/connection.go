package htp

import (
	"errors"
	"time"
)

var (
	// ErrAllocationFailed is returned when a parser cannot be constructed.
	ErrAllocationFailed = errors.New("htp: allocation failed")
	// ErrAlreadyOpen is returned by Connection.Open on the second call.
	ErrAlreadyOpen = errors.New("htp: connection already open")
)

// Connection is the record of one TCP connection: its endpoints, the
// transactions seen on it and every log entry produced while parsing it.
type Connection struct {
	RemoteAddr string
	RemotePort int
	LocalAddr  string
	LocalPort  int

	OpenTime  time.Time
	CloseTime time.Time

	Transactions []*Transaction
	Messages     []*LogEntry

	InBytes  int64
	OutBytes int64

	opened bool
	closed bool
}

// Open records the endpoints and the open time.
func (c *Connection) Open(remoteAddr string, remotePort int, localAddr string, localPort int, ts time.Time) error {
	if c.opened {
		return ErrAlreadyOpen
	}
	c.opened = true
	c.RemoteAddr, c.RemotePort = remoteAddr, remotePort
	c.LocalAddr, c.LocalPort = localAddr, localPort
	c.OpenTime = ts
	return nil
}

// Close records the close time. Only the first call has an effect.
func (c *Connection) Close(ts time.Time) {
	if c.closed {
		return
	}
	c.closed = true
	if ts.Before(c.OpenTime) {
		ts = c.OpenTime
	}
	c.CloseTime = ts
}

func (c *Connection) IsOpen() bool   { return c.opened && !c.closed }
func (c *Connection) IsClosed() bool { return c.closed }

func (c *Connection) TransactionCount() int { return len(c.Transactions) }

// Transaction returns the i-th transaction or nil.
func (c *Connection) Transaction(i int) *Transaction {
	if i < 0 || i >= len(c.Transactions) {
		return nil
	}
	return c.Transactions[i]
}

// dropLast removes tx if it is the newest transaction and no response was
// matched to it.
func (c *Connection) dropLast(tx *Transaction) bool {
	n := len(c.Transactions)
	if n == 0 || c.Transactions[n-1] != tx || tx.ResponseProgress != ProgressNotStarted {
		return false
	}
	c.Transactions[n-1] = nil
	c.Transactions = c.Transactions[:n-1]
	return true
}

func (c *Connection) newTransaction() *Transaction {
	tx := newTransaction(c, len(c.Transactions))
	c.Transactions = append(c.Transactions, tx)
	return tx
}
