package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/wireamqp/amqpmux/lib/amqp"
	"github.com/wireamqp/amqpmux/lib/config"
	"github.com/wireamqp/amqpmux/lib/loopback"
	"github.com/wireamqp/amqpmux/lib/session"
	"github.com/wireamqp/amqpmux/lib/util/logger"
	"github.com/wireamqp/amqpmux/lib/util/signals"
)

var log = logger.GetLogger()

// pumpBoth drains both halves of the pipe once. The demo drives every
// session from this goroutine, which keeps the single-writer contract.
func pumpBoth(a, b *loopback.Conn) {
	if err := a.Pump(false); err != nil {
		log.Debugf("pump %s: %s", a.Name(), err)
	}
	if err := b.Pump(false); err != nil {
		log.Debugf("pump %s: %s", b.Name(), err)
	}
}

func main() {
	cfgFile := flag.String("config", "", "Path to the config file")
	messages := flag.Int("messages", 100, "Number of deliveries to send")
	size := flag.Int("size", 2048, "Payload size per delivery in bytes")
	perSecond := flag.Float64("rate", 500, "Deliveries per second")
	flag.Parse()

	config.CfgFile = *cfgFile
	config.InitConfig()
	sessDefaults := config.NewSessionDefaultsFromViper()
	connDefaults := config.NewConnDefaultsFromViper()

	if dump, err := config.Dump(sessDefaults); err == nil {
		log.Debug("session defaults:\n", dump)
	}

	go signals.Handle()

	acceptorOpts := &session.Options{
		IncomingWindow:        sessDefaults.IncomingWindow,
		OutgoingWindow:        sessDefaults.OutgoingWindow,
		HandleMax:             sessDefaults.HandleMax,
		IdleWait:              sessDefaults.IdleWait,
		DisallowPipelinedOpen: sessDefaults.DisallowPipelinedOpen,
	}

	var accepted *session.Session
	initiator, acceptor := loopback.Pipe(
		&loopback.Options{Name: "initiator", MaxFrameSize: connDefaults.MaxFrameSize},
		&loopback.Options{
			Name:            "acceptor",
			MaxFrameSize:    connDefaults.MaxFrameSize,
			SessionDefaults: acceptorOpts,
			OnSessionAccepted: func(s *session.Session) {
				accepted = s
			},
		},
	)

	sess, err := initiator.OpenSession(&session.Options{
		Name:           "demo",
		IncomingWindow: sessDefaults.IncomingWindow,
		OutgoingWindow: sessDefaults.OutgoingWindow,
		HandleMax:      sessDefaults.HandleMax,
		IdleWait:       sessDefaults.IdleWait,
	})
	if err != nil {
		log.Errorf("failed to open session: %s", err)
		return
	}

	signals.RegisterInterruptHandler(func() {
		initiator.Close()
		acceptor.Close()
	})

	if err := sess.Begin(0); err != nil {
		log.Errorf("failed to begin session: %s", err)
		return
	}
	pumpBoth(initiator, acceptor)
	pumpBoth(initiator, acceptor)
	if sess.State() != session.StateMapped || accepted == nil {
		log.Errorf("session did not map: state=%s", sess.State())
		return
	}

	sender, err := sess.CreateSenderLink("demo-queue", nil)
	if err != nil {
		log.Errorf("failed to create sender link: %s", err)
		return
	}
	if err := sender.Attach(); err != nil {
		log.Errorf("failed to attach sender link: %s", err)
		return
	}
	pumpBoth(initiator, acceptor)
	pumpBoth(initiator, acceptor)

	var receiver *session.ReceiverLink
	for _, l := range accepted.Links() {
		if r, ok := l.(*session.ReceiverLink); ok {
			receiver = r
		}
	}
	if receiver == nil || !sender.Attached() {
		log.Error("link handshake did not complete")
		return
	}
	if err := receiver.Flow(uint32(*messages), false); err != nil {
		log.Errorf("failed to grant credit: %s", err)
		return
	}
	pumpBoth(initiator, acceptor)

	payload := make([]byte, *size)
	for i := range payload {
		payload[i] = byte(i)
	}

	limiter := rate.NewLimiter(rate.Limit(*perSecond), 1)
	ctx := context.Background()
	start := time.Now()
	sent, received := 0, 0
	for sent < *messages {
		if initiator.Closed() || acceptor.Closed() {
			break
		}
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		d, err := sender.Send(payload, false)
		if err != nil {
			log.Errorf("send failed: %s", err)
			break
		}
		switch d.TransferState {
		case session.TransferOkay:
			sent++
		case session.TransferBusy:
			// window exhausted; pump so the peer's refill Flow lands
		default:
			log.Errorf("transfer failed: %s", d.TransferState)
			return
		}
		pumpBoth(initiator, acceptor)
		for {
			msg, ok := receiver.Receive()
			if !ok {
				break
			}
			received++
			if err := receiver.Settle(msg.DeliveryID, msg.DeliveryID, amqp.DeliveryStateAccepted); err != nil {
				log.Errorf("settle failed: %s", err)
			}
		}
		pumpBoth(initiator, acceptor)
	}
	elapsed := time.Since(start)

	if err := sess.End(nil, 0); err != nil {
		log.Errorf("failed to end session: %s", err)
	}
	pumpBoth(initiator, acceptor)
	pumpBoth(initiator, acceptor)

	aStats, bStats := initiator.Stats(), acceptor.Stats()
	fmt.Printf("sent %d, received %d deliveries of %d bytes in %s\n", sent, received, *size, elapsed.Round(time.Millisecond))
	fmt.Printf("initiator: %d frames out (%d bytes), %d delivered in, %d dropped\n",
		aStats.FramesSent, aStats.BytesSent, aStats.FramesDelivered, aStats.FramesDropped)
	fmt.Printf("acceptor:  %d frames out (%d bytes), %d delivered in, %d dropped\n",
		bStats.FramesSent, bStats.BytesSent, bStats.FramesDelivered, bStats.FramesDropped)

	initiator.Close()
	acceptor.Close()
	signals.StopHandle()
}
