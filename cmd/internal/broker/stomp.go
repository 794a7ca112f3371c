package broker

import (
	"bytes"
	"strconv"

	"github.com/go-stomp/stomp/v3/frame"
)

const (
	hdrAcceptVersion = "accept-version"
	hdrAuthorization = "Authorization"
	hdrDestination   = "destination"
	hdrID            = "id"
	hdrSubscription  = "subscription"
	hdrMessageID     = "message-id"
	hdrContentType   = "content-type"
	hdrReceipt       = "receipt"
	hdrReceiptID     = "receipt-id"
	hdrMessage       = "message"
	hdrVersion       = "version"
	hdrHeartBeat     = "heart-beat"
	hdrServer        = "server"
	hdrSession       = "session"
)

// Offered in preference order.
var stompSubprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

func encodeFrame(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeFrame parses one frame; a heart-beat yields (nil, nil).
func decodeFrame(data []byte) (*frame.Frame, error) {
	if len(bytes.Trim(data, "\r\n")) == 0 {
		return nil, nil
	}
	return frame.NewReader(bytes.NewReader(data)).Read()
}

func connectedFrame(sessionID string) *frame.Frame {
	return frame.New(frame.CONNECTED,
		hdrVersion, "1.2",
		hdrHeartBeat, "0,0",
		hdrServer, "tuitui-devserver",
		hdrSession, sessionID,
	)
}

func messageFrame(destination, subID string, msgID int64, body []byte) *frame.Frame {
	f := frame.New(frame.MESSAGE,
		hdrDestination, destination,
		hdrSubscription, subID,
		hdrMessageID, strconv.FormatInt(msgID, 10),
		hdrContentType, "application/json",
	)
	f.Body = body
	return f
}

func errorFrame(msg, detail string) *frame.Frame {
	f := frame.New(frame.ERROR, hdrMessage, msg, hdrContentType, "text/plain")
	f.Body = []byte(detail)
	return f
}

func receiptFrame(id string) *frame.Frame {
	return frame.New(frame.RECEIPT, hdrReceiptID, id)
}
