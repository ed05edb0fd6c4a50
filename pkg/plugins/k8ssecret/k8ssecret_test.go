package k8ssecret

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"

	"certbot_deployer/cmd"
	"certbot_deployer/internal/pkg/config"
	"certbot_deployer/pkg/deployer"
	"certbot_deployer/pkg/deployertest"
	cdeerrors "certbot_deployer/pkg/errors"
	"certbot_deployer/pkg/models"
)

func run(t *testing.T, factory ClientFactory, lineage, conf string, argv ...string) error {
	t.Helper()

	doc := &config.Document{}
	if conf != "" {
		path := filepath.Join(t.TempDir(), config.Filename)
		require.NoError(t, os.WriteFile(path, []byte(conf), 0o600))
		var err error
		doc, err = config.ReadFile(path)
		require.NoError(t, err)
	}

	return cmd.Run(context.Background(), []deployer.Deployer{New(factory)}, append([]string{Subcommand}, argv...),
		cmd.WithConfig(doc),
		cmd.WithOutput(&bytes.Buffer{}, &bytes.Buffer{}),
		cmd.WithLookupEnv(func(string) (string, bool) { return lineage, true }),
	)
}

func fakeFactory(clientset kubernetes.Interface, gotKubeconfig *string) ClientFactory {
	return func(kubeconfig string) (kubernetes.Interface, error) {
		if gotKubeconfig != nil {
			*gotKubeconfig = kubeconfig
		}
		return clientset, nil
	}
}

func TestRegistered(t *testing.T) {
	index, err := deployer.Index(deployer.Registered())
	require.NoError(t, err)
	assert.Contains(t, index, Subcommand)
}

func TestCreateSecret(t *testing.T) {
	ctx := context.Background()
	clientset := fake.NewClientset()
	lineage := deployertest.NewLineage(t, deployertest.WithCommonName("*.example.com"))

	var kubeconfig string
	err := run(t, fakeFactory(clientset, &kubeconfig), lineage.Dir, "",
		"--namespace", "web", "--kubeconfig", "/tmp/kubeconfig", "--label", "team=edge")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/kubeconfig", kubeconfig)

	secret, err := clientset.CoreV1().Secrets("web").Get(ctx, "wildcard-example-com-tls", metav1.GetOptions{})
	require.NoError(t, err)

	b := lineage.Bundle(t)
	assert.Equal(t, corev1.SecretTypeTLS, secret.Type)
	assert.Equal(t, b.Fullchain.Contents, string(secret.Data[corev1.TLSCertKey]))
	assert.Equal(t, b.Key.Contents, string(secret.Data[corev1.TLSPrivateKeyKey]))
	assert.Equal(t, b.Chain.Contents, string(secret.Data[CAKey]))

	assert.Equal(t, "edge", secret.Labels["team"])
	assert.Equal(t, managedByValue, secret.Labels[managedByLabel])
	assert.Equal(t, "*.example.com", secret.Annotations[annotationPrefix+"common-name"])
	assert.Equal(t, models.FormatSerial(lineage.Leaf.Cert.SerialNumber), secret.Annotations[annotationPrefix+"serial"])
	assert.Equal(t, deployertest.NotValidAfter.UTC().Format(time.RFC3339), secret.Annotations[annotationPrefix+"not-after"])
}

func TestUpdateSecret(t *testing.T) {
	ctx := context.Background()
	existing := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:        "site-tls",
			Namespace:   "default",
			Labels:      map[string]string{"owner": "ops"},
			Annotations: map[string]string{"note": "keep"},
		},
		Type: corev1.SecretTypeTLS,
		Data: map[string][]byte{corev1.TLSCertKey: []byte("old")},
	}
	clientset := fake.NewClientset(existing)
	lineage := deployertest.NewLineage(t)

	err := run(t, fakeFactory(clientset, nil), lineage.Dir, `{"k8s-secret": {"secret_name": "site-tls"}}`)
	require.NoError(t, err)

	secret, err := clientset.CoreV1().Secrets("default").Get(ctx, "site-tls", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, lineage.Bundle(t).Fullchain.Contents, string(secret.Data[corev1.TLSCertKey]))
	assert.Equal(t, "ops", secret.Labels["owner"])
	assert.Equal(t, managedByValue, secret.Labels[managedByLabel])
	assert.Equal(t, "keep", secret.Annotations["note"])
	assert.Equal(t, deployertest.CommonName, secret.Annotations[annotationPrefix+"common-name"])
}

func TestUpdateRefusesOtherSecretTypes(t *testing.T) {
	existing := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "site-tls", Namespace: "default"},
		Type:       corev1.SecretTypeOpaque,
	}
	clientset := fake.NewClientset(existing)
	lineage := deployertest.NewLineage(t)

	err := run(t, fakeFactory(clientset, nil), lineage.Dir, "", "--secret-name", "site-tls")
	require.Error(t, err)
	assert.True(t, cdeerrors.Is(err, cdeerrors.ErrCodePlugin))
	assert.Contains(t, err.Error(), "default/site-tls")
}

func TestClientFactoryError(t *testing.T) {
	lineage := deployertest.NewLineage(t)
	factory := func(string) (kubernetes.Interface, error) { return nil, errors.New("no cluster") }

	err := run(t, factory, lineage.Dir, "")
	require.Error(t, err)
	assert.True(t, cdeerrors.Is(err, cdeerrors.ErrCodeEnvironment))
	assert.Contains(t, err.Error(), "no cluster")
}

func TestInvalidArguments(t *testing.T) {
	tests := []struct {
		name     string
		argv     []string
		contains string
	}{
		{"label without value", []string{"--label", "team"}, "expected key=value"},
		{"bad label key", []string{"--label", "bad key=x"}, `invalid --label key "bad key"`},
		{"bad label value", []string{"--label", "team=not valid"}, `invalid --label value "not valid"`},
		{"bad secret name", []string{"--secret-name", "Not_Valid"}, `invalid --secret-name "Not_Valid"`},
		{"empty namespace", []string{"--namespace", ""}, "--namespace is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			factory := func(string) (kubernetes.Interface, error) {
				called = true
				return fake.NewClientset(), nil
			}

			// PostParse rejects these before the lineage is looked at.
			err := run(t, factory, "", "", tt.argv...)
			require.Error(t, err)
			assert.True(t, cdeerrors.Is(err, cdeerrors.ErrCodeConfiguration))
			assert.Contains(t, err.Error(), tt.contains)
			assert.False(t, called)
		})
	}
}

func TestSecretName(t *testing.T) {
	tests := []struct {
		commonName string
		want       string
	}{
		{"example.com", "example-com-tls"},
		{"*.Example.COM", "wildcard-example-com-tls"},
		{"a__b..c", "a-b-c-tls"},
		{"", "certificate-tls"},
		{"---", "certificate-tls"},
	}

	for _, tt := range tests {
		t.Run(tt.commonName, func(t *testing.T) {
			assert.Equal(t, tt.want, SecretName(tt.commonName))
		})
	}
}
