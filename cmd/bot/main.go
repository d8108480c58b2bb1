package main

import (
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"colonysync/internal/protocol"
)

func main() {
	var (
		url    = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		player = flag.String("player", "player:english", "player id")
		token  = flag.String("token", "english-secret", "join token")
		codec  = flag.String("codec", "json", "wire codec: json or msgpack")
		build  = flag.String("build", "", "unit=name; found a colony once welcomed (optional)")
	)
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	c, ok := protocol.CodecByName(*codec)
	if !ok {
		logger.Fatal("unknown codec", zap.String("codec", *codec))
	}
	frame := websocket.TextMessage
	if c == protocol.MsgPack {
		frame = websocket.BinaryMessage
	}

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatal("dial", zap.Error(err))
	}
	defer conn.Close()

	// Writes come from the read loop and the signal handler.
	var mu sync.Mutex
	send := func(m *protocol.Message, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err == nil {
			var b []byte
			if b, err = c.Encode(m); err == nil {
				err = conn.WriteMessage(frame, b)
			}
		}
		if err != nil {
			logger.Fatal("send", zap.Error(err))
		}
	}
	send(protocol.Hello{Player: *player, Token: *token, Version: "1", Codec: c.Name()}.Message())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		send(protocol.Disconnect{Reason: "bye"}.Message())
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		m, err := c.Decode(raw)
		if err != nil {
			logger.Warn("undecodable frame", zap.Error(err))
			continue
		}
		switch m.Tag {
		case protocol.TagWelcome:
			w, err := protocol.ParseWelcome(m)
			if err != nil {
				continue
			}
			logger.Info("welcome", zap.String("session", w.Session), zap.String("catalogs", w.CatalogDigest))
			if unit, name, ok := strings.Cut(*build, "="); ok {
				send(protocol.BuildColony{Name: name, Unit: unit}.Message())
			}
		case protocol.TagError:
			n, _ := protocol.ParseErrorNotice(m)
			logger.Warn("rejected", zap.String("reply_to", n.ReplyTo), zap.String("code", n.Code), zap.String("reason", n.Reason))
		case protocol.TagDisconnect:
			logger.Info("disconnected", zap.String("reason", m.Attr(protocol.AttrReason)))
			return
		default:
			logger.Info("message", zap.String("tag", m.Tag), zap.Int("children", len(m.Children)), zap.String("body", m.String()))
		}
	}
}
