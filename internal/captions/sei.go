// Package captions extracts closed captions carried in H.264 SEI messages.
//
// SEI units are scanned for ATSC A/53 user data (ITU-T T.35, "GA94"). The
// cc_data byte pairs it carries are routed to four CEA-608 channel decoders
// and one CEA-708 decoder, each of which emits *media.Caption cues.
package captions

const (
	userDataRegisteredITUT35 = 4
	rbspTrailingBits         = 0x80

	countryCodeUS       = 181
	providerCodeATSC    = 49
	userDataTypeCaption = 0x03
)

// sei is the caption-bearing message of an SEI RBSP.
type sei struct {
	payloadType int
	payloadSize int
	payload     []byte
}

// parseSEI walks the sei_messages of rbsp and returns the first
// user_data_registered_itu_t_t35 message identified as GA94. A frame carries
// at most one caption message. ok is false when none is found.
func parseSEI(rbsp []byte) (msg sei, ok bool) {
	i := 0
	for i < len(rbsp) {
		if rbsp[i] == rbspTrailingBits {
			break
		}

		payloadType := 0
		for i < len(rbsp) && rbsp[i] == 0xFF {
			payloadType += 255
			i++
		}
		if i >= len(rbsp) {
			break
		}
		payloadType += int(rbsp[i])
		i++

		payloadSize := 0
		for i < len(rbsp) && rbsp[i] == 0xFF {
			payloadSize += 255
			i++
		}
		if i >= len(rbsp) {
			break
		}
		payloadSize += int(rbsp[i])
		i++

		if payloadType == userDataRegisteredITUT35 && i+7 <= len(rbsp) && string(rbsp[i+3:i+7]) == "GA94" {
			end := min(i+payloadSize, len(rbsp))
			return sei{payloadType: payloadType, payloadSize: payloadSize, payload: rbsp[i:end]}, true
		}
		i += payloadSize
	}
	return sei{}, false
}

// parseUserData validates the T.35 header of msg (ANSI/SCTE 128-1 8.1) and
// returns the user_data_type_structure without its trailing marker bits.
func parseUserData(msg sei) []byte {
	p := msg.payload
	if len(p) < 9 {
		return nil
	}
	if p[0] != countryCodeUS {
		return nil
	}
	if int(p[1])<<8|int(p[2]) != providerCodeATSC {
		return nil
	}
	if string(p[3:7]) != "GA94" {
		return nil
	}
	if p[7] != userDataTypeCaption {
		return nil
	}
	return p[8 : len(p)-1]
}

// ccPacket is one valid cc_data byte pair. Type is the cc_type: 0 and 1 are
// CEA-608 fields 1 and 2, 3 starts a DTVCC packet and 2 continues one.
type ccPacket struct {
	Type   int
	PTS    int64
	CCData uint16
}

// parseCaptionPackets reads the cc_data_pkt triplets of a cc_data structure
// (CEA-708 4.4), keeping those with cc_valid set.
func parseCaptionPackets(pts int64, userData []byte) []ccPacket {
	if len(userData) == 0 || userData[0]&0x40 == 0 {
		return nil
	}
	count := int(userData[0] & 0x1F)
	out := make([]ccPacket, 0, count)
	for i := 0; i < count; i++ {
		offset := i * 3
		if offset+4 >= len(userData) {
			break
		}
		if userData[offset+2]&0x04 == 0 {
			continue
		}
		out = append(out, ccPacket{
			Type:   int(userData[offset+2] & 0x03),
			PTS:    pts,
			CCData: uint16(userData[offset+3])<<8 | uint16(userData[offset+4]),
		})
	}
	return out
}
