// Package signaling carries offer/answer/candidate messages between the two
// peers of a call.
//
// Relay is a WebSocket server that pairs peers by room name (at most two per
// room) and forwards messages between them verbatim. Client is the peer side:
// it joins a room, reports the role the relay assigned, and implements
// webrtcpeer.Signaler for the local session.
//
// Every frame is a JSON text message:
//
//	{"type":"join","room":"lobby"}
//	{"type":"ready","role":"offerer","peerId":"..."}
//	{"type":"offer","sdp":{"type":"offer","sdp":"v=0..."}}
//	{"type":"ice-restart-offer","sdp":{"type":"offer","sdp":"v=0..."}}
//	{"type":"answer","sdp":{"type":"answer","sdp":"v=0..."}}
//	{"type":"candidate","candidate":{"candidate":"candidate:...","sdpMid":"0"}}
//	{"type":"peer-left","role":"answerer"}
//	{"type":"leave"}
//	{"type":"error","code":"room_full","message":"room is full"}
package signaling
