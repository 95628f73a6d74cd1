package softphone

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"
	"github.com/rs/zerolog"
)

// SignalingTransport реализация Signaling поверх SIP стека sipgo.
//
// Владеет UA, сервером и клиентом sipgo, строит REGISTER/INVITE/BYE/REFER/INFO
// запросы и диспетчеризует входящие запросы в колбэки UserAgent.
// Бизнес-состоянием не владеет: машина состояний вызова живет в CallSession.
type SignalingTransport struct {
	config *Config
	log    zerolog.Logger

	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client

	contact   sip.ContactHeader
	serverURI sip.Uri

	mu        sync.Mutex
	callbacks TransportCallbacks
	calls     map[string]*sipCall // key: Call-ID
	creds     Credentials
	opened    bool
	cseq      uint32

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSignalingTransport создает транспорт из конфигурации, без открытия сокета.
func NewSignalingTransport(config *Config) (*SignalingTransport, error) {
	if config == nil {
		return nil, ErrInvalidConfig("config", "конфигурация обязательна")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var serverURI sip.Uri
	if err := sip.ParseUri("sip:"+config.Transport.ServerAddress, &serverURI); err != nil {
		return nil, ErrInvalidConfig("ServerAddress", fmt.Sprintf("не удалось разобрать адрес: %v", err))
	}

	return &SignalingTransport{
		config:    config,
		log:       config.Logger.With().Str("component", "signaling").Logger(),
		serverURI: serverURI,
		calls:     make(map[string]*sipCall),
	}, nil
}

// SetCallbacks устанавливает обработчики событий; вызывается до Open.
func (t *SignalingTransport) SetCallbacks(cb TransportCallbacks) {
	t.mu.Lock()
	t.callbacks = cb
	t.mu.Unlock()
}

// Open создает sipgo компоненты и запускает прослушивание.
// Повторный вызов на открытом транспорте - no-op (переподключение
// закрывает старые компоненты перед открытием новых).
func (t *SignalingTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	if t.opened {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(t.config.UserAgentName))
	if err != nil {
		return ErrTransportUnavailable(t.config.Transport.ServerAddress, err)
	}

	server, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return ErrTransportUnavailable(t.config.Transport.ServerAddress, err)
	}

	client, err := sipgo.NewClient(ua)
	if err != nil {
		server.Close()
		ua.Close()
		return ErrTransportUnavailable(t.config.Transport.ServerAddress, err)
	}

	t.mu.Lock()
	t.ua = ua
	t.server = server
	t.client = client
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.contact = sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   t.creds.Username,
			Host:   t.config.Transport.BindAddress,
			Port:   t.config.Transport.BindPort,
		},
	}
	t.opened = true
	t.mu.Unlock()

	t.setupHandlers()

	listenAddr := t.config.Transport.GetListenAddress()
	network := string(t.config.Transport.Protocol)
	if network == "tls" || network == "ws" {
		// sipgo слушает TLS/WS через tcp listener с апгрейдом
		network = "tcp"
	}

	go func() {
		if err := server.ListenAndServe(t.ctx, network, listenAddr); err != nil && t.ctx.Err() == nil {
			t.log.Error().Err(err).Msg("сигнальный слушатель завершился с ошибкой")
			t.markDisconnected(err)
		}
	}()

	if t.config.Transport.KeepaliveInterval > 0 {
		go t.keepaliveLoop()
	}

	t.log.Info().Str("listen", listenAddr).Str("server", t.config.Transport.ServerAddress).Msg("сигнальный транспорт открыт")
	return nil
}

// Close закрывает транспорт и все sipgo компоненты.
func (t *SignalingTransport) Close() error {
	t.mu.Lock()
	if !t.opened {
		t.mu.Unlock()
		return nil
	}
	t.opened = false
	cancel := t.cancel
	server := t.server
	client := t.client
	ua := t.ua
	t.calls = make(map[string]*sipCall)
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if server != nil {
		server.Close()
	}
	if client != nil {
		client.Close()
	}
	if ua != nil {
		ua.Close()
	}
	return nil
}

// markDisconnected закрывает транспорт и уведомляет владельца о разрыве.
func (t *SignalingTransport) markDisconnected(cause error) {
	t.mu.Lock()
	if !t.opened {
		t.mu.Unlock()
		return
	}
	cb := t.callbacks.OnDisconnect
	t.mu.Unlock()

	_ = t.Close()
	if cb != nil {
		cb(cause)
	}
}

// keepaliveLoop периодически проверяет доступность сервера через OPTIONS.
// Ошибка доставки трактуется как разрыв сигнального канала.
func (t *SignalingTransport) keepaliveLoop() {
	ticker := time.NewTicker(t.config.Transport.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			req := t.newOutOfDialogRequest(sip.OPTIONS, t.serverURI)
			ctx, cancel := context.WithTimeout(t.ctx, 5*time.Second)
			_, err := t.client.Do(ctx, req)
			cancel()
			if err != nil {
				t.log.Warn().Err(err).Msg("keepalive OPTIONS не доставлен")
				t.markDisconnected(err)
				return
			}
		}
	}
}

// nextCSeq возвращает следующий номер CSeq для out-of-dialog запросов
func (t *SignalingTransport) nextCSeq() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cseq++
	return t.cseq
}

// newOutOfDialogRequest строит запрос вне диалога с базовыми заголовками.
func (t *SignalingTransport) newOutOfDialogRequest(method sip.RequestMethod, recipient sip.Uri) *sip.Request {
	req := sip.NewRequest(method, recipient)
	req.AppendHeader(sip.NewHeader("Call-ID", uuid.New().String()))

	from := &sip.FromHeader{
		Address: t.contact.Address,
		Params:  sip.HeaderParams{"tag": generateTag()},
	}
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: recipient, Params: sip.HeaderParams{}})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: t.nextCSeq(), MethodName: method})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	req.AppendHeader(&t.contact)
	if t.config.UserAgentName != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", t.config.UserAgentName))
	}
	return req
}

// Register отправляет REGISTER, при 401/407 повторяет с digest авторизацией.
func (t *SignalingTransport) Register(ctx context.Context, creds Credentials, expires int) error {
	t.mu.Lock()
	t.creds = creds
	t.contact.Address.User = creds.Username
	client := t.client
	opened := t.opened
	t.mu.Unlock()

	if !opened || client == nil {
		return ErrTransportUnavailable(t.config.Transport.ServerAddress, fmt.Errorf("транспорт не открыт"))
	}

	callID := uuid.New().String()
	fromTag := generateTag()

	req := t.buildRegister(creds, expires, callID, fromTag, "", "")
	res, err := client.Do(ctx, req)
	if err != nil {
		return ErrTransportUnavailable(t.config.Transport.ServerAddress, err)
	}

	// Challenge: повторяем с Authorization
	if res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired {
		authHeaderName := "WWW-Authenticate"
		respHeaderName := "Authorization"
		if res.StatusCode == sip.StatusProxyAuthRequired {
			authHeaderName = "Proxy-Authenticate"
			respHeaderName = "Proxy-Authorization"
		}

		h := res.GetHeader(authHeaderName)
		if h == nil {
			return ErrRegistrationRejected(int(res.StatusCode), "challenge без "+authHeaderName)
		}
		chal, err := digest.ParseChallenge(h.Value())
		if err != nil {
			return ErrRegistrationRejected(int(res.StatusCode), fmt.Sprintf("неразборчивый challenge: %v", err))
		}
		cred, err := digest.Digest(chal, digest.Options{
			Method:   sip.REGISTER.String(),
			URI:      req.Recipient.String(),
			Username: creds.Username,
			Password: creds.Password,
		})
		if err != nil {
			return ErrRegistrationRejected(int(res.StatusCode), fmt.Sprintf("digest не вычислен: %v", err))
		}

		retry := t.buildRegister(creds, expires, callID, fromTag, respHeaderName, cred.String())
		res, err = client.Do(ctx, retry)
		if err != nil {
			return ErrTransportUnavailable(t.config.Transport.ServerAddress, err)
		}
	}

	if res.StatusCode != sip.StatusOK {
		return ErrRegistrationRejected(int(res.StatusCode), res.Reason)
	}

	t.log.Debug().Str("call_id", callID).Msg("REGISTER подтвержден")
	return nil
}

// buildRegister строит REGISTER запрос; authHeader непустой при повторе
// после digest challenge.
func (t *SignalingTransport) buildRegister(creds Credentials, expires int, callID, fromTag, authHeaderName, authHeader string) *sip.Request {
	aor := sip.Uri{Scheme: "sip", User: creds.Username, Host: t.serverURI.Host, Port: t.serverURI.Port}

	req := sip.NewRequest(sip.REGISTER, t.serverURI)
	req.AppendHeader(sip.NewHeader("Call-ID", callID))
	req.AppendHeader(&sip.FromHeader{Address: aor, Params: sip.HeaderParams{"tag": fromTag}})
	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.HeaderParams{}})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: t.nextCSeq(), MethodName: sip.REGISTER})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	req.AppendHeader(&t.contact)
	req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", expires)))
	if t.config.UserAgentName != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", t.config.UserAgentName))
	}
	if authHeader != "" {
		req.AppendHeader(sip.NewHeader(authHeaderName, authHeader))
	}
	return req
}

// Deregister снимает регистрацию (REGISTER с Expires: 0).
func (t *SignalingTransport) Deregister(ctx context.Context) error {
	t.mu.Lock()
	creds := t.creds
	opened := t.opened
	t.mu.Unlock()
	if !opened {
		return nil
	}
	return t.Register(ctx, creds, 0)
}

// NewCall отправляет INVITE и возвращает handle вызова.
// Ответы мониторятся в отдельной горутине и доставляются через колбэки.
func (t *SignalingTransport) NewCall(ctx context.Context, target string, offer []byte) (SignalingCall, error) {
	t.mu.Lock()
	client := t.client
	opened := t.opened
	t.mu.Unlock()
	if !opened || client == nil {
		return nil, ErrTransportUnavailable(t.config.Transport.ServerAddress, fmt.Errorf("транспорт не открыт"))
	}

	targetURI := sip.Uri{Scheme: "sip", User: target, Host: t.serverURI.Host, Port: t.serverURI.Port}

	call := &sipCall{
		transport: t,
		callID:    uuid.New().String(),
		localTag:  generateTag(),
		targetURI: targetURI,
		isUAC:     true,
		localSeq:  1,
	}

	invite := sip.NewRequest(sip.INVITE, targetURI)
	invite.AppendHeader(sip.NewHeader("Call-ID", call.callID))
	invite.AppendHeader(&sip.FromHeader{Address: t.contact.Address, Params: sip.HeaderParams{"tag": call.localTag}})
	invite.AppendHeader(&sip.ToHeader{Address: targetURI, Params: sip.HeaderParams{}})
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: call.localSeq, MethodName: sip.INVITE})
	invite.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	invite.AppendHeader(&t.contact)
	if t.config.UserAgentName != "" {
		invite.AppendHeader(sip.NewHeader("User-Agent", t.config.UserAgentName))
	}
	if offer != nil {
		invite.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
		invite.SetBody(offer)
	}
	call.inviteReq = invite

	tx, err := client.TransactionRequest(ctx, invite)
	if err != nil {
		return nil, ErrTransportUnavailable(t.config.Transport.ServerAddress, err)
	}
	call.inviteTx = tx

	t.mu.Lock()
	t.calls[call.callID] = call
	t.mu.Unlock()

	go t.monitorInvite(call, tx)

	return call, nil
}

// monitorInvite следит за ответами на исходящий INVITE.
func (t *SignalingTransport) monitorInvite(call *sipCall, tx sip.ClientTransaction) {
	for {
		select {
		case res := <-tx.Responses():
			if res == nil {
				continue
			}
			switch {
			case res.StatusCode < 200:
				if res.StatusCode == sip.StatusRinging || res.StatusCode == 183 {
					t.notifyProgress(call.callID)
				}
			case res.StatusCode < 300:
				if tag := res.To().Params["tag"]; tag != "" {
					call.setRemoteTag(tag)
				}
				if err := call.sendACK(t.ctx, res); err != nil {
					t.log.Warn().Err(err).Msg("ACK не отправлен")
				}
				t.notifyAnswered(call.callID, res.Body())
				return
			default:
				t.removeCall(call.callID)
				t.notifyTerminated(call.callID, fmt.Errorf("вызов отклонен: %d %s", res.StatusCode, res.Reason))
				return
			}
		case <-tx.Done():
			t.removeCall(call.callID)
			t.notifyTerminated(call.callID, fmt.Errorf("INVITE транзакция завершилась без финального ответа"))
			return
		case <-t.ctx.Done():
			return
		}
	}
}

// setupHandlers регистрирует обработчики входящих SIP запросов.
func (t *SignalingTransport) setupHandlers() {
	t.server.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		t.handleIncomingInvite(req, tx)
	})
	t.server.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
		// ACK на наш 200 OK; состояние уже переведено в Answer
	})
	t.server.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		t.handleIncomingBye(req, tx)
	})
	t.server.OnCancel(func(req *sip.Request, tx sip.ServerTransaction) {
		t.handleIncomingCancel(req, tx)
	})
}

// handleIncomingInvite обрабатывает входящий INVITE.
// Политика одного вызова решается владельцем (UserAgent), транспорт лишь
// отвечает 180 и передает handle наверх.
func (t *SignalingTransport) handleIncomingInvite(req *sip.Request, tx sip.ServerTransaction) {
	callIDHeader := req.CallID()
	if callIDHeader == nil {
		resp := sip.NewResponseFromRequest(req, sip.StatusBadRequest, "empty call id", nil)
		if err := tx.Respond(resp); err != nil {
			t.log.Error().Err(err).Msg("не удалось ответить на INVITE без Call-ID")
		}
		return
	}
	callID := callIDHeader.Value()

	t.mu.Lock()
	if _, exists := t.calls[callID]; exists {
		t.mu.Unlock()
		resp := sip.NewResponseFromRequest(req, sip.StatusLoopDetected, "", nil)
		if err := tx.Respond(resp); err != nil {
			t.log.Error().Err(err).Msg("не удалось ответить на дублированный INVITE")
		}
		return
	}

	call := &sipCall{
		transport: t,
		callID:    callID,
		localTag:  generateTag(),
		isUAC:     false,
		localSeq:  0,
		inviteReq: req,
		serverTx:  tx,
	}
	if fromTag := req.From().Params["tag"]; fromTag != "" {
		call.remoteTag = fromTag
	}
	call.targetURI = req.From().Address
	t.calls[callID] = call
	cb := t.callbacks.OnIncomingCall
	t.mu.Unlock()

	// 180 Ringing сразу: оператор оповещен
	ringing := sip.NewResponseFromRequest(req, sip.StatusRinging, "Ringing", nil)
	if to := ringing.To(); to != nil {
		to.Params["tag"] = call.localTag
	}
	if err := tx.Respond(ringing); err != nil {
		t.log.Error().Err(err).Str("call_id", callID).Msg("не удалось отправить 180 Ringing")
	}

	from := req.From().Address.User
	t.log.Info().Str("call_id", callID).Str("from", from).Msg("входящий INVITE")

	if cb != nil {
		cb(call, from)
	} else {
		t.log.Warn().Str("call_id", callID).Msg("обработчик входящих вызовов не установлен")
	}
}

// handleIncomingBye обрабатывает завершение вызова удаленной стороной.
func (t *SignalingTransport) handleIncomingBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}

	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(resp); err != nil {
		t.log.Error().Err(err).Msg("не удалось ответить на BYE")
	}

	t.removeCall(callID)
	t.notifyTerminated(callID, nil)
}

// handleIncomingCancel обрабатывает отмену неотвеченного входящего вызова.
func (t *SignalingTransport) handleIncomingCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}

	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(resp); err != nil {
		t.log.Error().Err(err).Msg("не удалось ответить на CANCEL")
	}

	t.removeCall(callID)
	t.notifyTerminated(callID, nil)
}

func (t *SignalingTransport) removeCall(callID string) {
	t.mu.Lock()
	delete(t.calls, callID)
	t.mu.Unlock()
}

func (t *SignalingTransport) notifyProgress(callID string) {
	t.mu.Lock()
	cb := t.callbacks.OnCallProgress
	t.mu.Unlock()
	if cb != nil {
		cb(callID)
	}
}

func (t *SignalingTransport) notifyAnswered(callID string, answer []byte) {
	t.mu.Lock()
	cb := t.callbacks.OnCallAnswered
	t.mu.Unlock()
	if cb != nil {
		cb(callID, answer)
	}
}

func (t *SignalingTransport) notifyTerminated(callID string, cause error) {
	t.mu.Lock()
	cb := t.callbacks.OnCallTerminated
	t.mu.Unlock()
	if cb != nil {
		cb(callID, cause)
	}
}

// generateTag генерирует уникальный тег для From/To заголовков
func generateTag() string {
	return uuid.New().String()[:8]
}
