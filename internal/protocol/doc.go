// Package protocol implements the instrument telemetry protocol.
//
// A connection carries two kinds of traffic. Registration is a textual
// dialogue: each message is an XML envelope wrapped in
// <Q660_Data>...</Q660_Data> and terminated by a newline. Once registered,
// the instrument sends its configuration as a raw blob whose size was
// announced in a <cfgsize> envelope, and from then on the inbound stream
// carries binary packets.
//
// # Packet Format
//
// Every binary packet has this structure:
//
//	[0]     command        CmdData, CmdLowLatency or CmdStatus
//	[1]     sequence       packet sequence, modulo 256
//	[2]     dlength        payload length in 32-bit words, minus one
//	[3]     ^dlength       complement of dlength
//	[4..]   payload        (dlength+1)*4 bytes
//	[N-4:]  crc            CRC-32 (IEEE) over everything before it, big-endian
//
// A CRC or complement mismatch is a fatal framing error.
//
// # Usage Example - Parsing
//
//	var f protocol.Framer
//	f.Feed(buf[:n])
//	for {
//	    item, ok, err := f.Next()
//	    if err != nil {
//	        return err // framing errors are fatal to the connection
//	    }
//	    if !ok {
//	        break
//	    }
//	    switch item.Kind {
//	    case protocol.ItemEnvelope:
//	        env, err := protocol.ParseEnvelope(item.Data)
//	        ...
//	    case protocol.ItemPacket:
//	        ...
//	    }
//	}
//
// # Usage Example - Construction
//
//	env := &protocol.Envelope{RegReq: &protocol.RegRequest{Serial: protocol.FormatSerial(sn)}}
//	msg, err := env.Marshal()
//
// # Thread Safety
//
// Framer is not safe for concurrent use. The parse and build functions are
// stateless.
package protocol
