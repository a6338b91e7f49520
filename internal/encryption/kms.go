package encryption

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// KMSAPI is the subset of the KMS client used here.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, in *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSKeyWrapper issues data keys from an AWS KMS key.
type KMSKeyWrapper struct {
	client KMSAPI
	keyID  string
}

func NewKMSKeyWrapper(client KMSAPI, keyID string) *KMSKeyWrapper {
	return &KMSKeyWrapper{client: client, keyID: keyID}
}

// NewKMSKeyWrapperFromEnv builds a KMS client from the default AWS
// credential chain.
func NewKMSKeyWrapperFromEnv(ctx context.Context, keyID string) (*KMSKeyWrapper, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewKMSKeyWrapper(kms.NewFromConfig(cfg), keyID), nil
}

func (k *KMSKeyWrapper) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	out, err := k.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(k.keyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	return &DataKey{Plaintext: out.Plaintext, Ciphertext: out.CiphertextBlob, KeyID: k.keyID}, nil
}

func (k *KMSKeyWrapper) DecryptDataKey(ctx context.Context, keyID string, wrapped []byte) ([]byte, error) {
	out, err := k.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: wrapped,
		KeyId:          aws.String(keyID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt data key: %w", err)
	}
	return out.Plaintext, nil
}
