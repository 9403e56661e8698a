package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const hashToCurveDomainSeparator = "Secp256k1_HashToCurve_Cashu_"

var ErrNoValidPoint = errors.New("no valid point found")

// HashToCurve maps a message to a point on the secp256k1 curve using the
// domain-separated construction from NUT-00. The mapping has to be bit-exact
// across implementations since Y = HashToCurve(secret) is the key under which
// the mint records a proof as spent.
func HashToCurve(message []byte) (*secp256k1.PublicKey, error) {
	msgToHash := sha256.Sum256(append([]byte(hashToCurveDomainSeparator), message...))

	counter := uint32(0)
	for counter < math.MaxUint16 {
		counterBytes := make([]byte, 4)
		binary.LittleEndian.PutUint32(counterBytes, counter)

		hash := sha256.Sum256(append(msgToHash[:], counterBytes...))
		pkhash := append([]byte{0x02}, hash[:]...)
		point, err := secp256k1.ParsePubKey(pkhash)
		if err == nil && point.IsOnCurve() {
			return point, nil
		}
		counter++
	}

	return nil, ErrNoValidPoint
}

// B_ = Y + rG
func BlindMessage(secret string, r *secp256k1.PrivateKey) (
	*secp256k1.PublicKey, *secp256k1.PrivateKey, error) {

	Y, err := HashToCurve([]byte(secret))
	if err != nil {
		return nil, nil, err
	}

	var ypoint, rpoint, blindedMessage secp256k1.JacobianPoint
	Y.AsJacobian(&ypoint)
	r.PubKey().AsJacobian(&rpoint)

	secp256k1.AddNonConst(&ypoint, &rpoint, &blindedMessage)
	blindedMessage.ToAffine()
	B_ := secp256k1.NewPublicKey(&blindedMessage.X, &blindedMessage.Y)

	return B_, r, nil
}

// C_ = kB_
func SignBlindedMessage(B_ *secp256k1.PublicKey, k *secp256k1.PrivateKey) *secp256k1.PublicKey {
	var bpoint, result secp256k1.JacobianPoint
	B_.AsJacobian(&bpoint)

	secp256k1.ScalarMultNonConst(&k.Key, &bpoint, &result)
	result.ToAffine()
	C_ := secp256k1.NewPublicKey(&result.X, &result.Y)

	return C_
}

// C = C_ - rK
func UnblindSignature(C_ *secp256k1.PublicKey, r *secp256k1.PrivateKey,
	K *secp256k1.PublicKey) *secp256k1.PublicKey {

	var Kpoint, rKPoint, CPoint secp256k1.JacobianPoint
	K.AsJacobian(&Kpoint)

	var rNeg secp256k1.ModNScalar
	rNeg.NegateVal(&r.Key)

	secp256k1.ScalarMultNonConst(&rNeg, &Kpoint, &rKPoint)

	var C_Point secp256k1.JacobianPoint
	C_.AsJacobian(&C_Point)
	secp256k1.AddNonConst(&C_Point, &rKPoint, &CPoint)
	CPoint.ToAffine()

	C := secp256k1.NewPublicKey(&CPoint.X, &CPoint.Y)
	return C
}

// k * HashToCurve(secret) == C
func Verify(secret string, k *secp256k1.PrivateKey, C *secp256k1.PublicKey) bool {
	Y, err := HashToCurve([]byte(secret))
	if err != nil {
		return false
	}

	var Ypoint, result secp256k1.JacobianPoint
	Y.AsJacobian(&Ypoint)

	secp256k1.ScalarMultNonConst(&k.Key, &Ypoint, &result)
	result.ToAffine()
	pk := secp256k1.NewPublicKey(&result.X, &result.Y)

	return C.IsEqual(pk)
}

// HashE computes the DLEQ challenge from NUT-12: the sha256 hash of the
// concatenated hex-encoded uncompressed serializations of the points passed.
func HashE(publicKeys []*secp256k1.PublicKey) [32]byte {
	e := ""
	for _, pk := range publicKeys {
		e += hex.EncodeToString(pk.SerializeUncompressed())
	}
	return sha256.Sum256([]byte(e))
}

// GenerateDLEQ proves that the same private key k derived the public key
// k*G and the blinded signature k*B_.
func GenerateDLEQ(k *secp256k1.PrivateKey, B_ *secp256k1.PublicKey) (
	e *secp256k1.PrivateKey, s *secp256k1.PrivateKey, err error) {

	r, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, nil, err
	}

	// R1 = rG, R2 = rB_
	R1 := r.PubKey()

	var B_Point, R2Point secp256k1.JacobianPoint
	B_.AsJacobian(&B_Point)
	secp256k1.ScalarMultNonConst(&r.Key, &B_Point, &R2Point)
	R2Point.ToAffine()
	R2 := secp256k1.NewPublicKey(&R2Point.X, &R2Point.Y)

	C_ := SignBlindedMessage(B_, k)

	ehash := HashE([]*secp256k1.PublicKey{R1, R2, k.PubKey(), C_})
	e = secp256k1.PrivKeyFromBytes(ehash[:])

	// s = r + e*k
	ek := new(secp256k1.ModNScalar).Mul2(&e.Key, &k.Key)
	sScalar := new(secp256k1.ModNScalar).Add2(&r.Key, ek)
	sBytes := sScalar.Bytes()
	s = secp256k1.PrivKeyFromBytes(sBytes[:])

	return e, s, nil
}

// VerifyDLEQ verifies the proof (e, s) that the mint used the private key
// behind A to sign B_:
//
//	R1 = s*G - e*A
//	R2 = s*B_ - e*C_
//	e == HashE(R1, R2, A, C_)
func VerifyDLEQ(
	e *secp256k1.PrivateKey,
	s *secp256k1.PrivateKey,
	A *secp256k1.PublicKey,
	B_ *secp256k1.PublicKey,
	C_ *secp256k1.PublicKey,
) bool {
	var eNeg secp256k1.ModNScalar
	eNeg.NegateVal(&e.Key)

	// R1 = s*G - e*A
	var APoint, eNegA, sG, R1Point secp256k1.JacobianPoint
	A.AsJacobian(&APoint)
	secp256k1.ScalarMultNonConst(&eNeg, &APoint, &eNegA)
	secp256k1.ScalarBaseMultNonConst(&s.Key, &sG)
	secp256k1.AddNonConst(&sG, &eNegA, &R1Point)
	R1Point.ToAffine()
	R1 := secp256k1.NewPublicKey(&R1Point.X, &R1Point.Y)

	// R2 = s*B_ - e*C_
	var B_Point, C_Point, eNegC_, sB_, R2Point secp256k1.JacobianPoint
	B_.AsJacobian(&B_Point)
	C_.AsJacobian(&C_Point)
	secp256k1.ScalarMultNonConst(&eNeg, &C_Point, &eNegC_)
	secp256k1.ScalarMultNonConst(&s.Key, &B_Point, &sB_)
	secp256k1.AddNonConst(&sB_, &eNegC_, &R2Point)
	R2Point.ToAffine()
	R2 := secp256k1.NewPublicKey(&R2Point.X, &R2Point.Y)

	hash := HashE([]*secp256k1.PublicKey{R1, R2, A, C_})
	return hex.EncodeToString(hash[:]) == hex.EncodeToString(e.Serialize())
}
