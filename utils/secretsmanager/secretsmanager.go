// Package secretsmanager fetches replication credentials from cloud secret
// stores so they never have to live in configuration files.
package secretsmanager

import (
	"context"
	"fmt"
	"strings"

	gcpsecretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/keyvault/azsecrets"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/driftdb/drift/replication"
)

func FetchAWSSecret(ctx context.Context, secretID string, region string) (replication.Credentials, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return replication.Credentials{}, fmt.Errorf("failed to load default aws config: %w", err)
	}

	secrets := secretsmanager.NewFromConfig(cfg)
	res, err := secrets.GetSecretValue(
		ctx,
		&secretsmanager.GetSecretValueInput{SecretId: &secretID},
	)
	if err != nil {
		return replication.Credentials{}, fmt.Errorf("failed to get aws secret: %w", err)
	}
	if res.SecretString == nil {
		return replication.Credentials{}, fmt.Errorf("aws secret %s is not a string", secretID)
	}

	return CredentialsFromSecret(*res.SecretString)
}

func FetchAzureSecret(ctx context.Context, secretID string, keyVaultName string) (replication.Credentials, error) {
	vaultURI := fmt.Sprintf("https://%s.vault.azure.net/", keyVaultName)

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return replication.Credentials{}, fmt.Errorf("failed to obtain azure credential: %w", err)
	}

	client, err := azsecrets.NewClient(vaultURI, cred, nil)
	if err != nil {
		return replication.Credentials{}, fmt.Errorf("failed to create azure client: %w", err)
	}

	// An empty version fetches the latest version of the secret.
	resp, err := client.GetSecret(ctx, secretID, "", nil)
	if err != nil {
		return replication.Credentials{}, fmt.Errorf("failed to get azure secret: %w", err)
	}

	return CredentialsFromSecret(*resp.Value)
}

func FetchGcpSecret(ctx context.Context, secretID string, projectID string) (replication.Credentials, error) {
	client, err := gcpsecretmanager.NewClient(ctx)
	if err != nil {
		return replication.Credentials{}, fmt.Errorf("failed to create gcp secretmanager client: %w", err)
	}
	defer client.Close()

	req := &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", projectID, secretID),
	}

	result, err := client.AccessSecretVersion(ctx, req)
	if err != nil {
		return replication.Credentials{}, fmt.Errorf("failed to get gcp secret: %w", err)
	}

	return CredentialsFromSecret(string(result.Payload.Data))
}

// CredentialsFromSecret parses a stored secret. A `username:password` value
// becomes basic credentials, anything else is treated as a bare API key.
func CredentialsFromSecret(secret string) (replication.Credentials, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return replication.Credentials{}, fmt.Errorf("replication credentials secret is empty")
	}

	if username, password, ok := strings.Cut(secret, ":"); ok {
		return replication.Credentials{
			Username: username,
			Password: password,
		}, nil
	}

	return replication.Credentials{
		APIKey: secret,
	}, nil
}
