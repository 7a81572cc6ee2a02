package sip

import (
	"fmt"
	"strconv"
	"strings"
)

// Method is a SIP request method. Extension methods are allowed.
type Method string

const (
	MethodInvite    Method = "INVITE"
	MethodAck       Method = "ACK"
	MethodBye       Method = "BYE"
	MethodCancel    Method = "CANCEL"
	MethodOptions   Method = "OPTIONS"
	MethodRegister  Method = "REGISTER"
	MethodPrack     Method = "PRACK"
	MethodSubscribe Method = "SUBSCRIBE"
	MethodNotify    Method = "NOTIFY"
	MethodPublish   Method = "PUBLISH"
	MethodInfo      Method = "INFO"
	MethodRefer     Method = "REFER"
	MethodMessage   Method = "MESSAGE"
	MethodUpdate    Method = "UPDATE"
)

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("-.!%*_+`'~", c) >= 0:
		default:
			return false
		}
	}
	return true
}

// CSeq is the parsed CSeq header.
type CSeq struct {
	Seq    uint32
	Method Method
}

func (c CSeq) String() string {
	return strconv.FormatUint(uint64(c.Seq), 10) + " " + string(c.Method)
}

func parseCSeq(v string) (CSeq, error) {
	fields := strings.Fields(v)
	if len(fields) != 2 {
		return CSeq{}, fmt.Errorf("expected \"<number> <method>\", got %q", v)
	}
	n, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return CSeq{}, fmt.Errorf("invalid sequence number %q", fields[0])
	}
	if !isToken(fields[1]) {
		return CSeq{}, fmt.Errorf("invalid method %q", fields[1])
	}
	return CSeq{Seq: uint32(n), Method: Method(fields[1])}, nil
}
