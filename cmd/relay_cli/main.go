package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/service"
)

type cliConfig struct {
	RelayURL  string `env:"RELAY_URL" envDefault:"ws://localhost:3002/ws"`
	Origin    string `env:"RELAY_ORIGIN" envDefault:"http://localhost"`
	Token     string `env:"RELAY_TOKEN"`
	JWTSecret string `env:"JWT_SECRET"`
	JWTIssuer string `env:"JWT_ISSUER"`
}

func main() {
	reader := bufio.NewReader(os.Stdin)

	_ = godotenv.Load()

	var cfg cliConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatal(err)
	}

	logger := zap.NewExample()
	defer logger.Sync()

	token, err := resolveToken(reader, cfg)
	if err != nil {
		log.Fatal(err)
	}

	conn, err := dial(cfg, token)
	if err != nil {
		log.Fatalf("conectar: %v", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		printInbound(conn, logger)
	}()

	printHelp()
	for {
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/salir" || line == "/quit" {
			return
		}
		if err := handleCommand(conn, line); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
		select {
		case <-done:
			fmt.Println("Conexión cerrada por el servidor.")
			return
		default:
		}
	}
}

func resolveToken(reader *bufio.Reader, cfg cliConfig) (string, error) {
	if token := strings.TrimSpace(cfg.Token); token != "" {
		return token, nil
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return "", errors.New("definí RELAY_TOKEN o JWT_SECRET")
	}
	fmt.Print("User ID: ")
	userID, _ := reader.ReadString('\n')
	return service.NewJWTService(cfg.JWTSecret, cfg.JWTIssuer).Issue(strings.TrimSpace(userID), 24*time.Hour)
}

func dial(cfg cliConfig, token string) (*websocket.Conn, error) {
	target, err := url.Parse(cfg.RelayURL)
	if err != nil {
		return nil, err
	}
	query := target.Query()
	query.Set("token", token)
	target.RawQuery = query.Encode()
	return websocket.Dial(target.String(), "", cfg.Origin)
}

func printHelp() {
	fmt.Println("Comandos:")
	fmt.Println("  /online                     usuarios conectados")
	fmt.Println("  /keys id1,id2               claves públicas")
	fmt.Println("  /publish <clave>            publicar tu clave")
	fmt.Println("  /to <usuario> <contenido>   mensaje privado (contenido ya cifrado)")
	fmt.Println("  /salir")
}

func handleCommand(conn *websocket.Conn, line string) error {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/online":
		return send(conn, domain.EventGetOnlineUsers, struct{}{})
	case "/keys":
		var ids []string
		for _, id := range strings.Split(rest, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		return send(conn, domain.EventGetPublicKeys, domain.PublicKeysRequest{UserIDs: ids})
	case "/publish":
		if rest == "" {
			return errors.New("uso: /publish <clave>")
		}
		return send(conn, domain.EventPublishKey, domain.PublishKeyRequest{PublicKey: rest})
	case "/to":
		recipient, content, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(content) == "" {
			return errors.New("uso: /to <usuario> <contenido>")
		}
		raw, err := json.Marshal(strings.TrimSpace(content))
		if err != nil {
			return err
		}
		return send(conn, domain.EventPrivateMessage, domain.PrivateMessageRequest{
			RecipientID: recipient,
			Content:     raw,
		})
	default:
		printHelp()
		return nil
	}
}

func send(conn *websocket.Conn, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return websocket.JSON.Send(conn, domain.Frame{Event: event, Data: data})
}

func printInbound(conn *websocket.Conn, logger *zap.Logger) {
	for {
		var frame domain.Frame
		if err := websocket.JSON.Receive(conn, &frame); err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("read ended", zap.Error(err))
			}
			return
		}
		fmt.Printf("\n< %s %s\n> ", frame.Event, frame.Data)
	}
}
