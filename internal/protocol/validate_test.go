package protocol

import "testing"

func TestValidate_RequiresTypeNodeIDAndTimestamp(t *testing.T) {
	if err := Validate(Message{NodeID: "a", Timestamp: 1}); err == nil {
		t.Errorf("missing type should fail")
	}
	if err := Validate(Message{Type: Heartbeat, Timestamp: 1}); err == nil {
		t.Errorf("missing node_id should fail")
	}
	if err := Validate(Message{Type: Heartbeat, NodeID: "a"}); err == nil {
		t.Errorf("non-positive timestamp should fail")
	}
}

func TestValidate_HandshakeRequiresVersionAndValidPort(t *testing.T) {
	base := Message{Type: Handshake, NodeID: "a", Timestamp: 1, Version: Version, Port: 7700}
	if err := Validate(base); err != nil {
		t.Errorf("well-formed handshake should pass, got %v", err)
	}

	noVersion := base
	noVersion.Version = ""
	if err := Validate(noVersion); err == nil {
		t.Errorf("handshake without version should fail")
	}

	badPort := base
	badPort.Port = 99
	if err := Validate(badPort); err == nil {
		t.Errorf("handshake with out-of-range port should fail")
	}
}

func TestValidate_OrderRequiresWellFormedOrderAndSide(t *testing.T) {
	base := Message{Type: OrderMsg, NodeID: "a", Timestamp: 1, Order: &WireOrder{ID: "o1", Side: "buy"}}
	if err := Validate(base); err != nil {
		t.Errorf("well-formed order message should pass, got %v", err)
	}

	noOrder := Message{Type: OrderMsg, NodeID: "a", Timestamp: 1}
	if err := Validate(noOrder); err == nil {
		t.Errorf("order message with nil order should fail")
	}

	badSide := Message{Type: OrderMsg, NodeID: "a", Timestamp: 1, Order: &WireOrder{ID: "o1", Side: "sideways"}}
	if err := Validate(badSide); err == nil {
		t.Errorf("order with an invalid side should fail")
	}
}

func TestValidate_TradeRequiresWellFormedTrade(t *testing.T) {
	ok := Message{Type: TradeMsg, NodeID: "a", Timestamp: 1, Trade: &WireTrade{ID: "t1"}}
	if err := Validate(ok); err != nil {
		t.Errorf("well-formed trade message should pass, got %v", err)
	}
	missing := Message{Type: TradeMsg, NodeID: "a", Timestamp: 1}
	if err := Validate(missing); err == nil {
		t.Errorf("trade message with nil trade should fail")
	}
}

func TestValidate_CancelOrderRequiresOrderID(t *testing.T) {
	ok := Message{Type: CancelOrder, NodeID: "a", Timestamp: 1, OrderID: "o1"}
	if err := Validate(ok); err != nil {
		t.Errorf("well-formed cancel should pass, got %v", err)
	}
	missing := Message{Type: CancelOrder, NodeID: "a", Timestamp: 1}
	if err := Validate(missing); err == nil {
		t.Errorf("cancel_order without order_id should fail")
	}
}

func TestValidate_PeerExchangeRejectsTooManyPeersOrBadEntries(t *testing.T) {
	peers := make([]PeerInfo, 21)
	for i := range peers {
		peers[i] = PeerInfo{NodeID: "p", Port: 7700}
	}
	tooMany := Message{Type: PeerExchange, NodeID: "a", Timestamp: 1, Peers: peers}
	if err := Validate(tooMany); err == nil {
		t.Errorf("more than 20 peers should fail")
	}

	badEntry := Message{Type: PeerExchange, NodeID: "a", Timestamp: 1, Peers: []PeerInfo{{NodeID: "", Port: 7700}}}
	if err := Validate(badEntry); err == nil {
		t.Errorf("a peer entry with no node_id should fail")
	}
}

func TestValidate_RejectsUnknownMessageType(t *testing.T) {
	if err := Validate(Message{Type: "bogus", NodeID: "a", Timestamp: 1}); err == nil {
		t.Errorf("unknown message type should fail")
	}
}
