package dialog

import "firestige.xyz/tracevia/internal/sip"

// txKey identifies a transaction by its top Via branch and CSeq method.
// CANCEL shares the INVITE branch, so the method keeps them apart.
type txKey struct {
	branch string
	method sip.Method
}

// transaction remembers enough of what was already seen to recognize
// retransmissions.
type transaction struct {
	highest  uint32
	request  bool
	final    bool
	statuses map[response]struct{}
}

// response distinguishes forked legs answering with the same status code.
type response struct {
	code int
	tag  string
}

func keyOf(msg *sip.Message) txKey {
	return txKey{branch: msg.TopBranch(), method: msg.CSeq().Method}
}

// observe records msg and reports whether it was already processed.
func (tx *transaction) observe(msg *sip.Message) (duplicate bool) {
	seq := msg.CSeq().Seq

	if msg.IsRequest() {
		if tx.request && seq == tx.highest {
			return true
		}
		tx.request = true
		if seq > tx.highest {
			tx.highest = seq
		}
		return false
	}

	switch {
	case seq < tx.highest:
		return true
	case seq > tx.highest:
		tx.highest = seq
		tx.final = false
		tx.statuses = nil
	case tx.final:
		return true
	}

	r := response{code: msg.StatusCode(), tag: msg.ToTag()}
	if _, seen := tx.statuses[r]; seen {
		return true
	}
	if tx.statuses == nil {
		tx.statuses = make(map[response]struct{}, 2)
	}
	tx.statuses[r] = struct{}{}
	if r.code >= 200 {
		tx.final = true
	}
	return false
}
