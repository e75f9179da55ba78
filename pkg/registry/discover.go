package registry

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const autoServiceVersion = 0x01

// AutoServiceRecord is one entry of an auto-service mapping file: a
// declaration that implType should be registered under name for
// serviceType, optionally as the default.
type AutoServiceRecord struct {
	ServiceType   string
	ImplType      string
	Name          string
	Singleton     bool
	MarkAsDefault bool
}

// ReadAutoServiceFile parses the binary format described in §6:
// repeated [byte version=0x01][utf8 serviceType][utf8 implType]
// [utf8 name][bool singleton][bool markAsDefault] records until EOF.
func ReadAutoServiceFile(path string) ([]AutoServiceRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("registry: open auto-service file: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var out []AutoServiceRecord
	for {
		version, err := br.ReadByte()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("registry: read record version: %w", err)
		}
		if version != autoServiceVersion {
			return nil, fmt.Errorf("registry: unsupported auto-service record version %d", version)
		}

		serviceType, err := readUTF8(br)
		if err != nil {
			return nil, fmt.Errorf("registry: read serviceType: %w", err)
		}
		implType, err := readUTF8(br)
		if err != nil {
			return nil, fmt.Errorf("registry: read implType: %w", err)
		}
		name, err := readUTF8(br)
		if err != nil {
			return nil, fmt.Errorf("registry: read name: %w", err)
		}
		singleton, err := readBool(br)
		if err != nil {
			return nil, fmt.Errorf("registry: read singleton flag: %w", err)
		}
		markDefault, err := readBool(br)
		if err != nil {
			return nil, fmt.Errorf("registry: read markAsDefault flag: %w", err)
		}

		out = append(out, AutoServiceRecord{
			ServiceType:   serviceType,
			ImplType:      implType,
			Name:          name,
			Singleton:     singleton,
			MarkAsDefault: markDefault,
		})
	}
}

// WriteAutoServiceFile serializes records to path in the same format,
// used by plug-ins that want to register themselves for discovery.
func WriteAutoServiceFile(path string, records []AutoServiceRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("registry: create auto-service file: %w", err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	for _, rec := range records {
		if err := bw.WriteByte(autoServiceVersion); err != nil {
			return err
		}
		if err := writeUTF8(bw, rec.ServiceType); err != nil {
			return err
		}
		if err := writeUTF8(bw, rec.ImplType); err != nil {
			return err
		}
		if err := writeUTF8(bw, rec.Name); err != nil {
			return err
		}
		if err := writeBool(bw, rec.Singleton); err != nil {
			return err
		}
		if err := writeBool(bw, rec.MarkAsDefault); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Factory builds an instance for one implType discovered from an
// auto-service file. Discover looks these up by implType, not by
// name, since many registrations can share a concrete implementation.
type Factory func() (any, error)

// Discover reads an auto-service file and registers each record
// against r, resolving implType through factories. Records naming an
// implType with no matching factory are skipped and returned in
// skipped, not treated as a fatal error — a node may simply not ship
// every plug-in referenced by a shared mapping file.
func Discover(r *Registry, path, owner string, factories map[string]Factory) (skipped []AutoServiceRecord, err error) {
	records, err := ReadAutoServiceFile(path)
	if err != nil {
		return nil, err
	}

	for _, rec := range records {
		factory, ok := factories[rec.ImplType]
		if !ok {
			skipped = append(skipped, rec)
			continue
		}

		var reg *Registration
		if rec.Singleton {
			instance, err := factory()
			if err != nil {
				return skipped, fmt.Errorf("registry: build %s/%s: %w", rec.ServiceType, rec.Name, err)
			}
			reg = r.Register(rec.ServiceType, rec.Name, owner, instance)
		} else {
			reg = r.RegisterConstructor(rec.ServiceType, rec.Name, owner, Constructor(factory))
		}
		_ = reg

		if rec.MarkAsDefault {
			if err := r.MarkAsDefault(rec.ServiceType, rec.Name); err != nil {
				return skipped, err
			}
		}
	}
	return skipped, nil
}

func readUTF8(br *bufio.Reader) (string, error) {
	n, err := binary.ReadUvarint(br)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeUTF8(bw *bufio.Writer, s string) error {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(s)))
	if _, err := bw.Write(lenBuf[:n]); err != nil {
		return err
	}
	_, err := bw.WriteString(s)
	return err
}

func readBool(br *bufio.Reader) (bool, error) {
	b, err := br.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func writeBool(bw *bufio.Writer, b bool) error {
	if b {
		return bw.WriteByte(1)
	}
	return bw.WriteByte(0)
}
