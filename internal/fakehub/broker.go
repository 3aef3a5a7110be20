package fakehub

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/gorilla/handlers"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// plugin is the gmqtt plugin that turns broker traffic into hub operations.
type plugin struct {
	hub *Hub
}

// Load implements the gmqtt plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.hub.mu.Lock()
	p.hub.publish = func(topic string, payload []byte) {
		service.PublishService().Publish(gmqtt.NewMessage(topic, payload, packets.QOS_1))
	}
	p.hub.mu.Unlock()
	return nil
}

// Unload implements the gmqtt plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements the gmqtt plugin interface
func (p *plugin) Name() string { return "fakehub" }

// HookWrapper implements the gmqtt plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

// OnConnectWrapper checks the device credentials
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		opts := client.OptionsReader()
		clog := p.hub.log.WithField("client", opts.ClientID())
		if err := p.hub.authenticate(opts.ClientID(), opts.Password()); err != nil {
			clog.WithError(err).Warn("Connect denied")
			return packets.CodeNotAuthorized
		}
		clog.Info("Device connected")
		p.hub.connected(opts.ClientID())
		return connect(ctx, client)
	}
}

// OnSubscribeWrapper only lets devices subscribe to hub topics
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		if !strings.HasPrefix(topic.Name, "$iothub/") {
			p.hub.log.WithFields(logrus.Fields{
				"client": client.OptionsReader().ClientID(),
				"topic":  topic.Name,
			}).Warn("Subscribe denied")
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// OnMsgArrivedWrapper hands device messages to the hub
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		p.hub.handleMessage(client.OptionsReader().ClientID(), msg.Topic(), msg.Payload())
		return arrived(ctx, client, msg)
	}
}

// Serve runs the MQTT broker on mqttLn and the REST API on httpLn until ctx is done.
func (h *Hub) Serve(ctx context.Context, mqttLn, httpLn net.Listener) error {
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(mqttLn),
		gmqtt.WithPlugin(&plugin{hub: h}),
	)
	s.Run()
	h.log.WithField("addr", mqttLn.Addr().String()).Info("MQTT broker started")

	srv := &http.Server{
		Handler:           handlers.CombinedLoggingHandler(h.log.WriterLevel(logrus.DebugLevel), h.Router()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h.log.WithField("addr", httpLn.Addr().String()).Info("REST API started")
		if err := srv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpErr := srv.Shutdown(shutdownCtx)
		mqttErr := s.Stop(shutdownCtx)
		h.log.Info("Hub emulator stopped")
		return errors.Join(httpErr, mqttErr)
	})
	return g.Wait()
}
