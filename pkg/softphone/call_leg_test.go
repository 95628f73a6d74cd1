package softphone

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInvite(t *testing.T, target sip.Uri) *sip.Request {
	t.Helper()
	invite := sip.NewRequest(sip.INVITE, target)
	invite.AppendHeader(sip.NewHeader("Call-ID", "abc-123"))
	invite.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: "4001", Host: "127.0.0.1", Port: 5060},
		Params:  sip.HeaderParams{"tag": "local-tag"},
	})
	invite.AppendHeader(&sip.ToHeader{Address: target, Params: sip.HeaderParams{}})
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 7, MethodName: sip.INVITE})
	return invite
}

func TestAckMirrorsInviteIdentity(t *testing.T) {
	target := sip.Uri{Scheme: "sip", User: "2001", Host: "sip.example.com", Port: 5060}
	invite := newTestInvite(t, target)

	res := sip.NewResponseFromRequest(invite, 200, "OK", nil)
	res.To().Params["tag"] = "remote-tag"
	contact := sip.Uri{Scheme: "sip", User: "2001", Host: "10.0.0.5", Port: 5080}
	res.AppendHeader(&sip.ContactHeader{Address: contact})

	c := &sipCall{targetURI: target}
	ack := c.newAckRequest(invite, res)

	assert.Equal(t, sip.ACK, ack.Method)
	// ACK уходит на Contact из 200 OK
	assert.Equal(t, contact, ack.Recipient)

	require.NotNil(t, ack.CallID())
	assert.Equal(t, "abc-123", ack.CallID().Value())

	// CSeq исходного INVITE, но с методом ACK
	require.NotNil(t, ack.CSeq())
	assert.Equal(t, uint32(7), ack.CSeq().SeqNo)
	assert.Equal(t, sip.ACK, ack.CSeq().MethodName)

	fromTag, _ := ack.From().Params.Get("tag")
	assert.Equal(t, "local-tag", fromTag)
	toTag, _ := ack.To().Params.Get("tag")
	assert.Equal(t, "remote-tag", toTag)
}

func TestAckWithoutContactUsesDialogTarget(t *testing.T) {
	target := sip.Uri{Scheme: "sip", User: "2001", Host: "sip.example.com", Port: 5060}
	invite := newTestInvite(t, target)
	res := sip.NewResponseFromRequest(invite, 200, "OK", nil)

	c := &sipCall{targetURI: target}
	ack := c.newAckRequest(invite, res)

	assert.Equal(t, target, ack.Recipient)
}
