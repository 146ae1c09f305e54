package rs485

import (
	"math/rand"
	"testing"
)

func TestCRC32MatchesBitAtATimeReference(t *testing.T) {
	cases := [][]byte{
		nil,
		{0x00},
		{0xFF},
		[]byte("hello rs485"),
	}
	r := rand.New(rand.NewSource(1))
	for n := 0; n < 20; n++ {
		buf := make([]byte, r.Intn(300))
		r.Read(buf)
		cases = append(cases, buf)
	}
	for i, data := range cases {
		got := CRC32(data)
		want := crc32Reference(data)
		if got != want {
			t.Errorf("case %d (len %d): CRC32 = %#08x, crc32Reference = %#08x", i, len(data), got, want)
		}
	}
}
