package softphone

import (
	"context"
	"fmt"
	"sync"

	"github.com/emiago/sipgo/sip"
)

// sipCall одно плечо SIP диалога поверх SignalingTransport.
//
// Хранит идентификацию диалога (Call-ID, теги, CSeq) и строит
// in-dialog запросы: BYE, re-INVITE, REFER, INFO. Для исходящих
// вызовов (UAC) дополнительно держит INVITE транзакцию ради CANCEL.
type sipCall struct {
	transport *SignalingTransport

	callID    string
	localTag  string
	targetURI sip.Uri
	isUAC     bool

	inviteReq *sip.Request
	inviteTx  sip.ClientTransaction
	serverTx  sip.ServerTransaction

	mu        sync.Mutex
	remoteTag string
	localSeq  uint32
	answered  bool
}

// ID возвращает Call-ID диалога
func (c *sipCall) ID() string {
	return c.callID
}

func (c *sipCall) setRemoteTag(tag string) {
	c.mu.Lock()
	c.remoteTag = tag
	c.mu.Unlock()
}

// nextSeq возвращает следующий CSeq внутри диалога
func (c *sipCall) nextSeq() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localSeq++
	return c.localSeq
}

// newInDialogRequest строит запрос внутри установленного диалога.
// From всегда наша сторона с localTag, To - удаленная с remoteTag.
func (c *sipCall) newInDialogRequest(method sip.RequestMethod) *sip.Request {
	c.mu.Lock()
	remoteTag := c.remoteTag
	c.mu.Unlock()

	req := sip.NewRequest(method, c.targetURI)
	req.AppendHeader(sip.NewHeader("Call-ID", c.callID))
	req.AppendHeader(&sip.FromHeader{
		Address: c.transport.contact.Address,
		Params:  sip.HeaderParams{"tag": c.localTag},
	})
	to := &sip.ToHeader{Address: c.targetURI, Params: sip.HeaderParams{}}
	if remoteTag != "" {
		to.Params["tag"] = remoteTag
	}
	req.AppendHeader(to)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: c.nextSeq(), MethodName: method})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	req.AppendHeader(&c.transport.contact)
	return req
}

// newAckRequest строит ACK на финальный 2xx ответ на INVITE.
// ACK идет на Contact ответа (или remote target диалога), несет Call-ID,
// From/To с тегами и CSeq исходного INVITE с методом ACK.
func (c *sipCall) newAckRequest(invite *sip.Request, res *sip.Response) *sip.Request {
	recipient := c.targetURI
	if contact := res.Contact(); contact != nil {
		recipient = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, recipient)
	if h := invite.CallID(); h != nil {
		ack.AppendHeader(h)
	}
	if from := invite.From(); from != nil {
		ack.AppendHeader(from)
	}
	if to := res.To(); to != nil {
		ack.AppendHeader(to)
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	ack.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	return ack
}

// sendACK подтверждает финальный 2xx ответ на наш INVITE.
func (c *sipCall) sendACK(ctx context.Context, res *sip.Response) error {
	return c.transport.client.WriteRequest(c.newAckRequest(c.inviteReq, res))
}

// Answer отвечает 200 OK на входящий INVITE (только UAS сторона).
func (c *sipCall) Answer(ctx context.Context, answer []byte) error {
	if c.isUAC || c.serverTx == nil {
		return fmt.Errorf("answer допустим только для входящего вызова")
	}

	resp := sip.NewResponseFromRequest(c.inviteReq, sip.StatusOK, "OK", answer)
	if to := resp.To(); to != nil {
		to.Params["tag"] = c.localTag
	}
	if answer != nil {
		resp.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	resp.AppendHeader(&c.transport.contact)

	if err := c.serverTx.Respond(resp); err != nil {
		return ErrTransportUnavailable(c.transport.config.Transport.ServerAddress, err)
	}

	c.mu.Lock()
	c.answered = true
	c.mu.Unlock()
	return nil
}

// Reject отклоняет входящий INVITE финальным ответом с кодом ошибки.
func (c *sipCall) Reject(ctx context.Context, code int, reason string) error {
	if c.isUAC || c.serverTx == nil {
		return fmt.Errorf("reject допустим только для входящего вызова")
	}

	resp := sip.NewResponseFromRequest(c.inviteReq, code, reason, nil)
	if to := resp.To(); to != nil {
		to.Params["tag"] = c.localTag
	}

	c.transport.removeCall(c.callID)
	if err := c.serverTx.Respond(resp); err != nil {
		return ErrTransportUnavailable(c.transport.config.Transport.ServerAddress, err)
	}
	return nil
}

// Cancel отменяет исходящий INVITE, не получивший финального ответа.
// CANCEL несет CSeq исходного INVITE с методом CANCEL.
func (c *sipCall) Cancel(ctx context.Context) error {
	if !c.isUAC {
		return fmt.Errorf("cancel допустим только для исходящего вызова")
	}

	cancel := sip.NewRequest(sip.CANCEL, c.inviteReq.Recipient)
	cancel.AppendHeader(sip.NewHeader("Call-ID", c.callID))
	if from := c.inviteReq.From(); from != nil {
		cancel.AppendHeader(from)
	}
	if to := c.inviteReq.To(); to != nil {
		cancel.AppendHeader(to)
	}
	if cseq := c.inviteReq.CSeq(); cseq != nil {
		cancel.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	cancel.AppendHeader(sip.NewHeader("Max-Forwards", "70"))

	c.transport.removeCall(c.callID)
	if _, err := c.transport.client.Do(ctx, cancel); err != nil {
		return ErrTransportUnavailable(c.transport.config.Transport.ServerAddress, err)
	}
	if c.inviteTx != nil {
		c.inviteTx.Terminate()
	}
	return nil
}

// Bye завершает установленный диалог.
func (c *sipCall) Bye(ctx context.Context) error {
	bye := c.newInDialogRequest(sip.BYE)

	c.transport.removeCall(c.callID)
	res, err := c.transport.client.Do(ctx, bye)
	if err != nil {
		return ErrTransportUnavailable(c.transport.config.Transport.ServerAddress, err)
	}
	if res.StatusCode >= 300 {
		c.transport.log.Warn().Str("call_id", c.callID).Int("status", int(res.StatusCode)).Msg("BYE отклонен удаленной стороной")
	}
	return nil
}

// ReInvite отправляет re-INVITE с новым SDP (hold/resume).
func (c *sipCall) ReInvite(ctx context.Context, offer []byte) error {
	req := c.newInDialogRequest(sip.INVITE)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(offer)

	res, err := c.transport.client.Do(ctx, req)
	if err != nil {
		return ErrTransportUnavailable(c.transport.config.Transport.ServerAddress, err)
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("re-INVITE отклонен: %d %s", res.StatusCode, res.Reason)
	}
	if err := c.transport.client.WriteRequest(c.newAckRequest(req, res)); err != nil {
		c.transport.log.Warn().Err(err).Str("call_id", c.callID).Msg("ACK на re-INVITE не отправлен")
	}
	return nil
}

// Refer запрашивает слепой перевод вызова на другой номер.
// Успех - это 202 Accepted; прочие финальные ответы трактуются как отказ.
func (c *sipCall) Refer(ctx context.Context, target string) error {
	referTo := sip.Uri{Scheme: "sip", User: target, Host: c.transport.serverURI.Host, Port: c.transport.serverURI.Port}

	req := c.newInDialogRequest(sip.REFER)
	req.AppendHeader(sip.NewHeader("Refer-To", "<"+referTo.String()+">"))
	req.AppendHeader(sip.NewHeader("Referred-By", "<"+c.transport.contact.Address.String()+">"))

	res, err := c.transport.client.Do(ctx, req)
	if err != nil {
		return ErrTransportUnavailable(c.transport.config.Transport.ServerAddress, err)
	}
	if res.StatusCode != sip.StatusAccepted && res.StatusCode != sip.StatusOK {
		return ErrTransferRefused(target, int(res.StatusCode))
	}
	return nil
}

// Info отправляет DTMF сигнал через SIP INFO (dtmf-relay).
func (c *sipCall) Info(ctx context.Context, digit string) error {
	req := c.newInDialogRequest(sip.INFO)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))
	req.SetBody([]byte(fmt.Sprintf("Signal=%s\r\nDuration=160\r\n", digit)))

	res, err := c.transport.client.Do(ctx, req)
	if err != nil {
		return ErrTransportUnavailable(c.transport.config.Transport.ServerAddress, err)
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("INFO отклонен: %d %s", res.StatusCode, res.Reason)
	}
	return nil
}
