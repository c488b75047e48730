package gateway

import "sync"

// AuthEvent は認証状態変更イベントの種別。
type AuthEvent string

const (
	EventSignedIn       AuthEvent = "SIGNED_IN"
	EventSignedOut      AuthEvent = "SIGNED_OUT"
	EventTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
	EventUserUpdated    AuthEvent = "USER_UPDATED"
)

type delivery struct {
	event   AuthEvent
	session *Session
}

// Dispatcher は認証状態変更イベントを購読者に配送する。
// 全購読者に同一の順序で配送し、購読者ごとの専用goroutineから呼び出すため
// 遅いリスナーが発行側をブロックすることはない。
type Dispatcher struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
}

// NewDispatcher はDispatcherを生成する。
func NewDispatcher() *Dispatcher {
	return &Dispatcher{subs: make(map[int]*subscriber)}
}

// Subscribe はリスナーを登録し、購読ハンドルを返す。
func (d *Dispatcher) Subscribe(listener AuthStateListener) Subscription {
	sub := &subscriber{
		listener: listener,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subs[id] = sub
	d.mu.Unlock()

	sub.unsubscribe = func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
		sub.stop()
	}

	go sub.run()
	return sub
}

// Emit はイベントを全購読者のキューに積む。
// ロック内で積むため、並行して呼ばれても全購読者が同じ順序で受け取る。
func (d *Dispatcher) Emit(event AuthEvent, session *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, sub := range d.subs {
		sub.enqueue(delivery{event: event, session: session})
	}
}

// Len は現在の購読者数を返す。テスト用。
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// Close は全購読を解除し、実行中のリスナー呼び出しの完了を待つ。
func (d *Dispatcher) Close() {
	d.mu.Lock()
	subs := d.subs
	d.subs = make(map[int]*subscriber)
	d.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	for _, sub := range subs {
		<-sub.exited
	}
}

type subscriber struct {
	listener    AuthStateListener
	unsubscribe func()

	mu    sync.Mutex
	queue []delivery

	signal   chan struct{}
	done     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
}

// Unsubscribe は購読を解除し、実行中のリスナー呼び出しが戻るまで待つ。複数回呼んでも安全。
// リスナー内から呼ぶとデッドロックする。
func (s *subscriber) Unsubscribe() {
	s.unsubscribe()
	<-s.exited
}

func (s *subscriber) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *subscriber) enqueue(d delivery) {
	s.mu.Lock()
	s.queue = append(s.queue, d)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	defer close(s.exited)
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			d := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.listener(d.event, d.session)
		}
	}
}
