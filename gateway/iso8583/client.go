package iso8583

import (
	"fmt"
	"io"
	"time"

	moov8583 "github.com/moov-io/iso8583"
	"github.com/moov-io/iso8583/network"
	connection "github.com/moov-io/iso8583-connection"
)

// Client is a terminal-side connection used by POS simulators and server
// tests. Responses are matched to requests by STAN.
type Client struct {
	conn *connection.Connection
}

func NewClient(addr string, spec *moov8583.MessageSpec, opts ...connection.Option) (*Client, error) {
	options := append([]connection.Option{
		connection.SendTimeout(10 * time.Second),
	}, opts...)

	conn, err := connection.New(addr, spec, ReadMessageLength, WriteMessageLength, options...)
	if err != nil {
		return nil, fmt.Errorf("creating connection: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Connect() error {
	if err := c.conn.Connect(); err != nil {
		return fmt.Errorf("connecting to gateway: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Send(msg *moov8583.Message) (*moov8583.Message, error) {
	return c.conn.Send(msg)
}

// ReadMessageLength reads the 2-byte binary length header preceding each
// message.
func ReadMessageLength(r io.Reader) (int, error) {
	header := network.NewBinary2BytesHeader()
	if _, err := header.ReadFrom(r); err != nil {
		return 0, err
	}
	return header.Length(), nil
}

// WriteMessageLength writes the 2-byte binary length header.
func WriteMessageLength(w io.Writer, length int) (int, error) {
	header := network.NewBinary2BytesHeader()
	if err := header.SetLength(length); err != nil {
		return 0, err
	}
	return header.WriteTo(w)
}
