package smpp

import (
	"strings"

	"github.com/fiorix/go-smpp/smpp/pdu/pdutlv"

	"smppload/internal/core"
)

// Long spellings some servers use for receipt states.
var receiptStates = map[string]string{
	"DELIVERED":     "DELIVRD",
	"UNDELIVERABLE": "UNDELIV",
	"ACCEPTED":      "ACCEPTD",
	"REJECTED":      "REJECTD",
}

// ParseReceipt reads the textual delivery receipt carried in a deliver_sm
// short message, e.g. "id:42 sub:001 dlvrd:001 ... stat:DELIVRD err:000".
// It reports false when the text has no message id.
func ParseReceipt(text string) (core.Receipt, bool) {
	var id, stat string
	for _, token := range strings.Fields(text) {
		lower := strings.ToLower(token)
		switch {
		case id == "" && strings.HasPrefix(lower, "id:"):
			id = token[len("id:"):]
		case stat == "" && strings.HasPrefix(lower, "stat:"):
			stat = strings.ToUpper(token[len("stat:"):])
		}
		if id != "" && stat != "" {
			break
		}
	}
	if id == "" {
		return core.Receipt{}, false
	}
	if short, ok := receiptStates[stat]; ok {
		stat = short
	}
	if stat == "" {
		stat = "UNKNOWN"
	}
	return core.Receipt{MessageID: id, State: stat, Delivered: stat == "DELIVRD"}, true
}

// FormatReceipt renders a receipt in the same textual layout ParseReceipt reads.
func FormatReceipt(id, stat, submitDate, doneDate string) string {
	dlvrd := "000"
	if stat == "DELIVRD" {
		dlvrd = "001"
	}
	return "id:" + id + " sub:001 dlvrd:" + dlvrd +
		" submit date:" + submitDate + " done date:" + doneDate +
		" stat:" + stat + " err:000 text:"
}

// messageStates are the short spellings of the message_state TLV values.
var messageStates = [...]string{
	1: "ENROUTE",
	2: "DELIVRD",
	3: "EXPIRED",
	4: "DELETED",
	5: "UNDELIV",
	6: "ACCEPTD",
	7: "UNKNOWN",
	8: "REJECTD",
}

// MessageStateName maps a message_state value to its receipt spelling.
func MessageStateName(code uint8) string {
	if int(code) < len(messageStates) && messageStates[code] != "" {
		return messageStates[code]
	}
	return "UNKNOWN"
}

// MessageStateCode is the inverse of MessageStateName. Unknown states map to 7.
func MessageStateCode(stat string) uint8 {
	if short, ok := receiptStates[strings.ToUpper(stat)]; ok {
		stat = short
	}
	for code, name := range messageStates {
		if name != "" && strings.EqualFold(name, stat) {
			return uint8(code)
		}
	}
	return 7
}

// ReceiptFromTLV reads a receipt from the receipted_message_id and
// message_state TLVs. It reports false without a message id. State is empty
// when the message_state TLV is absent.
func ReceiptFromTLV(tlv pdutlv.Map) (core.Receipt, bool) {
	idField := tlv[pdutlv.TagReceiptedMessageID]
	if idField == nil {
		return core.Receipt{}, false
	}
	id := idField.String()
	if id == "" {
		return core.Receipt{}, false
	}
	rc := core.Receipt{MessageID: id}
	if f := tlv[pdutlv.TagMessageStateOption]; f != nil {
		if b := f.Bytes(); len(b) > 0 {
			rc.State = MessageStateName(b[0])
			rc.Delivered = rc.State == "DELIVRD"
		}
	}
	return rc, true
}
