package manager_test

import (
	"testing"

	"github.com/companion-protocol/companion-go/pkg/ble"
	"github.com/companion-protocol/companion-go/pkg/manager"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

var nameDataUUID = uuid.MustParse("5e2a68a2-27be-43f9-8d1e-4546976fabd7")

func TestResolveAdvertisedName(t *testing.T) {
	tests := []struct {
		name      string
		data      []byte
		localName string
		prefix    string
		want      string
	}{
		{
			name: "eight byte utf8 decodes without prefix",
			data: []byte("CARSIM01"),
			want: "CARSIM01",
		},
		{
			name:   "eight byte utf8 never gets the prefix",
			data:   []byte("CARSIM01"),
			prefix: "Car-",
			want:   "CARSIM01",
		},
		{
			name:   "non eight byte data renders as hex with prefix",
			data:   []byte{0xab, 0xcd},
			prefix: "Car-",
			want:   "Car-abcd",
		},
		{
			name:   "invalid utf8 of eight bytes renders as hex",
			data:   []byte{0xff, 0xfe, 0xfd, 0xfc, 0xfb, 0xfa, 0xf9, 0xf8},
			prefix: "Car-",
			want:   "Car-fffefdfcfbfaf9f8",
		},
		{
			name:      "falls back to local name with prefix",
			localName: "My Car",
			prefix:    "Car-",
			want:      "Car-My Car",
		},
		{
			name: "nothing resolves to empty",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adv := &ble.Advertisement{LocalName: tt.localName}
			if tt.data != nil {
				adv.ServiceData = map[uuid.UUID][]byte{nameDataUUID: tt.data}
			}
			got := manager.ResolveAdvertisedName(adv, nameDataUUID, tt.prefix)
			assert.Equal(t, tt.want, got)
		})
	}
}
