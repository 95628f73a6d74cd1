// Package softphone реализует клиентскую часть софтфона оператора:
// регистрацию на сигнальном сервере, машину состояний вызова и привязку медиа.
//
// Основные компоненты:
//   - UserAgent — регистрация, переподключение с backoff, единственный
//     активный вызов
//   - CallSession — конечный автомат вызова (hold/resume/transfer/DTMF)
//   - CallHistoryLedger — журнал вызовов для UI
//   - MediaBinding — привязка входящего аудио потока к выходному устройству
//
// Пример использования:
//
//	ua, err := softphone.NewUserAgent(config, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := ua.Initialize(ctx, creds); err != nil {
//		log.Fatal(err)
//	}
//
//	unsubscribe := ua.Events().Subscribe(func(ev softphone.Event) {
//		// обработка событий UI
//	})
//	defer unsubscribe()
//
//	if err := ua.MakeCall(ctx, "+441234567890"); err != nil {
//		log.Printf("Вызов не удался: %v", err)
//	}
package softphone
