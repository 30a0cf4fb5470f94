// Package habitat uploads accepted telemetry to a Habitat (HabHub) couchdb
// as UKHAS sentences. It is an observer of the distribution channel and
// never feeds back into the core.
package habitat

import (
	"fmt"
	"strings"

	"github.com/banshee-data/sonde.report/internal/telemetry"
)

// CRC16CCITT computes the CRC16-CCITT (init 0xFFFF, poly 0x1021, no
// reflection) used by UKHAS sentences.
func CRC16CCITT(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// Sentence renders rec as a UKHAS telemetry sentence:
//
//	$$CALL,frame,HH:MM:SS,lat,lon,alt,vel_h,temp,humidity[,comment]*CRC\n
//
// vel_h and humidity default to zero when the decoder did not report them.
// Commas in comment are replaced with underscores.
func Sentence(rec telemetry.Record, payloadCallsign, comment string) (string, error) {
	t, err := rec.ParseDatetime()
	if err != nil {
		return "", fmt.Errorf("sentence for %s: %w", rec.ID, err)
	}
	body := fmt.Sprintf("%s,%d,%s,%.5f,%.5f,%d,%.1f,%.1f,%.1f",
		payloadCallsign, rec.Frame, t.Format("15:04:05"),
		rec.Lat, rec.Lon, int64(rec.Alt),
		rec.Float("vel_h", 0), rec.Temp, rec.Float("humidity", 0))
	if comment != "" {
		body += "," + strings.ReplaceAll(comment, ",", "_")
	}
	return fmt.Sprintf("$$%s*%04X\n", body, CRC16CCITT([]byte(body))), nil
}
