package smpp

import (
	"strings"

	gosmpp "github.com/fiorix/go-smpp/smpp"
	"github.com/fiorix/go-smpp/smpp/pdu/pdufield"
	"github.com/fiorix/go-smpp/smpp/pdu/pdutext"

	"smppload/internal/core"
)

// Codec returns the go-smpp text codec for an encoding name. Unknown names
// fall back to raw bytes.
func Codec(encoding, body string) pdutext.Codec {
	switch strings.ToLower(encoding) {
	case "gsm7":
		return pdutext.GSM7(body)
	case "latin1":
		return pdutext.Latin1(body)
	case "ucs2":
		return pdutext.UCS2(body)
	}
	return pdutext.Raw(body)
}

func shortMessage(m *core.Message) *gosmpp.ShortMessage {
	register := pdufield.NoDeliveryReceipt
	if m.RequestReceipt {
		register = pdufield.FinalDeliveryReceipt
	}
	return &gosmpp.ShortMessage{
		Src:           m.SourceAddr,
		Dst:           m.DestAddr,
		Text:          Codec(m.Encoding, m.Body),
		Register:      register,
		ServiceType:   m.ServiceType,
		SourceAddrTON: m.SourceTON,
		SourceAddrNPI: m.SourceNPI,
		DestAddrTON:   m.DestTON,
		DestAddrNPI:   m.DestNPI,
	}
}
