package pe

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/binary"

	"github.com/pepacker/pepacker/pkgerrors"
)

// Authenticode certificate-header constants (Windows SDK naming).
//
//nolint:revive // ALL_CAPS matches Windows SDK naming
const (
	WIN_CERT_REVISION_2_0          = 0x0200
	WIN_CERT_TYPE_PKCS_SIGNED_DATA = 0x0002
)

// winCertificate mirrors WIN_CERTIFICATE.
type winCertificate struct {
	Length          uint32
	Revision        uint16
	CertificateType uint16
}

// Signature reports whether an image carries an Authenticode signature
// (Security directory, ddirs[DirSecurity]) and, if so, its certificates.
// The packer uses this to warn that packing invalidates the signature,
// matching the original's protection-marker awareness in
// checkHeaderValues.
type Signature struct {
	Signed       bool
	Certificates []pkix.Name
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type signedData struct {
	Version          int
	DigestAlgorithms []pkix.AlgorithmIdentifier `asn1:"set"`
	ContentInfo      contentInfo
	Certificates     asn1.RawValue `asn1:"optional,tag:0"`
}

// ReadSignature parses image's Security directory, if present. The
// Security directory is unusual among PE data directories: its
// VirtualAddress field is a file offset, not an RVA.
func ReadSignature(image []byte, dd DataDir) (*Signature, error) {
	if dd.VAddr == 0 || dd.Size == 0 {
		return &Signature{}, nil
	}
	off := int(dd.VAddr)
	if off+8 > len(image) {
		return nil, pkgerrors.NewCantUnpack("security directory out of range")
	}
	var cert winCertificate
	cert.Length = binary.LittleEndian.Uint32(image[off:])
	cert.Revision = binary.LittleEndian.Uint16(image[off+4:])
	cert.CertificateType = binary.LittleEndian.Uint16(image[off+6:])
	if cert.Revision != WIN_CERT_REVISION_2_0 || cert.CertificateType != WIN_CERT_TYPE_PKCS_SIGNED_DATA {
		return nil, pkgerrors.NewCantUnpack("unsupported certificate type")
	}
	if cert.Length < 8 || off+int(cert.Length) > len(image) {
		return nil, pkgerrors.NewCantUnpack("security directory out of range")
	}
	certData := image[off+8 : off+int(cert.Length)]

	sig := &Signature{Signed: true}
	var ci contentInfo
	if _, err := asn1.Unmarshal(certData, &ci); err != nil {
		return sig, nil // present but unparseable; still report Signed
	}
	var sd signedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return sig, nil
	}
	if len(sd.Certificates.Bytes) > 0 {
		certs, err := x509.ParseCertificates(sd.Certificates.Bytes)
		if err == nil {
			for _, c := range certs {
				sig.Certificates = append(sig.Certificates, c.Subject)
			}
		}
	}
	return sig, nil
}
