package container_test

import (
	"testing"

	"parcel/internal/container"
)

func TestAccessorValidatePerVariant(t *testing.T) {
	cases := []struct {
		name     string
		accessor container.Accessor
		ok       bool
	}{
		{"local folder ok", container.Accessor{Type: container.AccessorLocalFolder, FolderPath: "/media"}, true},
		{"local folder missing path", container.Accessor{Type: container.AccessorLocalFolder}, false},
		{"http ok", container.Accessor{Type: container.AccessorHTTP, BaseURL: "http://host/media"}, true},
		{"http missing url", container.Accessor{Type: container.AccessorHTTP}, false},
		{"quantel ok", container.Accessor{
			Type: container.AccessorQuantel, QuantelGatewayURL: "http://gw", ISAURLs: []string{"isa:2096"},
		}, true},
		{"quantel missing isa", container.Accessor{Type: container.AccessorQuantel, QuantelGatewayURL: "http://gw"}, false},
		{"atem missing host", container.Accessor{Type: container.AccessorAtemMediaStore}, false},
		{"core package info ok", container.Accessor{Type: container.AccessorCorePackageInfo}, true},
		{"unknown type", container.Accessor{Type: "FTP"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.accessor.Validate()
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestReadableWritableAccessorsAreDeterministic(t *testing.T) {
	cont := container.Container{
		ID: "c1",
		Accessors: map[container.AccessorID]container.Accessor{
			"b-share": {Type: container.AccessorFileShare, AllowRead: true, FolderPath: "/share"},
			"a-local": {Type: container.AccessorLocalFolder, AllowRead: true, AllowWrite: true, FolderPath: "/media"},
			"c-http":  {Type: container.AccessorHTTP, AllowWrite: true, BaseURL: "http://host"},
		},
	}

	readable := cont.ReadableAccessors()
	if len(readable) != 2 || readable[0] != "a-local" || readable[1] != "b-share" {
		t.Fatalf("unexpected readable order %v", readable)
	}
	writable := cont.WritableAccessors()
	if len(writable) != 2 || writable[0] != "a-local" || writable[1] != "c-http" {
		t.Fatalf("unexpected writable order %v", writable)
	}
}

func TestParseAccessorType(t *testing.T) {
	if parsed, ok := container.ParseAccessorType(" local_folder "); !ok || parsed != container.AccessorLocalFolder {
		t.Fatalf("unexpected parse result %v %v", parsed, ok)
	}
	if _, ok := container.ParseAccessorType("carrier-pigeon"); ok {
		t.Fatal("expected unknown accessor type to fail")
	}
}
