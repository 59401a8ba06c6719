package htp

import "bytes"

// headerBlock assembles header or trailer lines into a Headers table,
// folding continuation lines into the header that precedes them.
type headerBlock struct {
	pending   *pendingHeader
	lineIndex int
	counter   int
	count     int
	dropped   bool
}

func (b *headerBlock) reset() {
	b.pending = nil
	b.lineIndex = -1
	b.counter = 0
	b.count = 0
	b.dropped = false
}

// feed handles one line of the block. It returns true on the empty line that
// ends the block.
func (b *headerBlock) feed(p *ConnParser, tx *Transaction, table *Headers, line []byte, long bool) bool {
	if len(line) == 0 && !long {
		b.commit(p, tx, table)
		return true
	}
	if len(line) > 0 && isOWS(line[0]) {
		if b.pending != nil {
			b.pending.fold(line)
			if long {
				b.pending.flags |= HeaderLong
			}
			b.counter++
			return false
		}
		tx.Flags |= FlagInvalidFolding
		p.logf(tx, LogWarning, CodeInvalidFolding, "Invalid header folding: continuation without a preceding header")
		line = bytes.TrimLeft(line, " \t")
	}
	b.commit(p, tx, table)
	b.pending = parseHeaderLine(line)
	if long {
		b.pending.flags |= HeaderLong
	}
	b.lineIndex = b.counter
	b.counter++
	return false
}

// commit stores the pending header, if any.
func (b *headerBlock) commit(p *ConnParser, tx *Transaction, table *Headers) {
	ph := b.pending
	if ph == nil {
		return
	}
	b.pending = nil
	b.lineIndex = -1
	if max := p.cfg.MaxHeaders; max > 0 && b.count >= max {
		if !b.dropped {
			b.dropped = true
			p.logf(tx, LogWarning, CodeTooManyHeaders, "Too many headers, limit is %d", max)
		}
		return
	}
	b.count++
	if ph.flags&HeaderUnparseable != 0 {
		p.logf(tx, LogWarning, CodeHeaderUnparseable, "Header line without a colon")
	} else if ph.flags&HeaderInvalid != 0 {
		p.logf(tx, LogWarning, CodeHeaderInvalid, "Invalid header name %q", ph.name)
	}
	hdr := table.Add(string(ph.name), string(ph.value), ph.flags)
	tx.Flags |= hdr.Flags.txFlags()
}
