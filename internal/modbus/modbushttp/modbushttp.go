// Package modbushttp tunnels Modbus RTU ADUs over HTTP so a gateway on one
// host can be driven from another.
package modbushttp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"
)

type SendResponse struct {
	ADUResponse []byte
	Error       string
}

// Client packages requests as RTU frames and posts them to a Server.
type Client struct {
	*modbus.RTUClientHandler

	baseURL  string
	password string
	http     *http.Client
}

func NewClient(baseURL string, slaveID byte) *Client {
	handler := modbus.NewRTUClientHandler("/dev/null")
	handler.SlaveId = slaveID
	return &Client{
		RTUClientHandler: handler,
		baseURL:          baseURL,
		http:             http.DefaultClient,
	}
}

// SetPassword sets the basic auth password sent with every request.
func (c *Client) SetPassword(password string) {
	c.password = password
}

func (c *Client) Send(aduRequest []byte) ([]byte, error) {
	req, err := http.NewRequest(http.MethodPost, c.baseURL, bytes.NewReader(aduRequest))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if c.password != "" {
		req.SetBasicAuth("", c.password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status code: %s\n%s", resp.Status, string(body))
	}
	var sendResponse SendResponse
	if err := json.Unmarshal(body, &sendResponse); err != nil {
		return nil, err
	}
	if sendResponse.Error != "" {
		err = errors.New(sendResponse.Error)
	}
	return sendResponse.ADUResponse, err
}

func (c *Client) Connect() error {
	return nil
}

func (c *Client) Close() error {
	return nil
}

// Transporter sends a raw ADU and returns the raw response.
type Transporter interface {
	Send(aduRequest []byte) (aduResponse []byte, err error)
}

// Server forwards posted ADUs to a local transporter.
type Server struct {
	transporter Transporter
	password    string
	log         zerolog.Logger
}

func NewServer(transporter Transporter, password string, log zerolog.Logger) *Server {
	return &Server{
		transporter: transporter,
		password:    password,
		log:         log,
	}
}

func (s *Server) SendHandler(w http.ResponseWriter, r *http.Request) {
	_, pass, ok := r.BasicAuth()
	if s.password != "" && (!ok || pass != s.password) {
		http.Error(w, "wrong password", http.StatusUnauthorized)
		return
	}
	err := func() error {
		aduRequest, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		aduResponse, err := s.transporter.Send(aduRequest)
		var errString string
		if err != nil {
			errString = err.Error()
		}
		body, err := json.Marshal(&SendResponse{
			ADUResponse: aduResponse,
			Error:       errString,
		})
		if err != nil {
			return err
		}
		w.Header().Set("Content-Type", "application/json")
		_, err = w.Write(body)
		return err
	}()
	if err != nil {
		s.log.Error().Err(err).Msg("SendHandler")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
