package pe

import "testing"

func TestReadSignatureNoopWithoutSecurityDirectory(t *testing.T) {
	sig, err := ReadSignature(make([]byte, 64), DataDir{})
	if err != nil {
		t.Fatalf("ReadSignature: %v", err)
	}
	if sig.Signed {
		t.Error("Signed = true for an absent security directory")
	}
}

func TestReadSignatureRejectsUnsupportedCertType(t *testing.T) {
	image := make([]byte, 64)
	// Length=16, Revision=0x200, CertificateType=0x9 (not PKCS_SIGNED_DATA)
	image[32], image[33] = 16, 0
	image[36], image[37] = 0x00, 0x02
	image[38], image[39] = 0x09, 0x00
	if _, err := ReadSignature(image, DataDir{VAddr: 32, Size: 16}); err == nil {
		t.Error("ReadSignature should reject an unsupported certificate type")
	}
}
