package event

import "fmt"

// Canonical topic builders. Producers must build topics through these;
// consumers may subscribe with "*" and ">" wildcards instead.

// KubernetesClusterTopic returns
// "kubernetes.{provider}.{credentialID}.{region}.clusters.{action}".
func KubernetesClusterTopic(provider, credentialID, region, action string) string {
	return fmt.Sprintf("kubernetes.%s.%s.%s.clusters.%s", provider, credentialID, region, action)
}

// KubernetesNodePoolTopic returns
// "kubernetes.{provider}.{credentialID}.clusters.{clusterID}.nodepools.{action}".
func KubernetesNodePoolTopic(provider, credentialID, clusterID, action string) string {
	return fmt.Sprintf("kubernetes.%s.%s.clusters.%s.nodepools.%s", provider, credentialID, clusterID, action)
}

// KubernetesNodeTopic returns
// "kubernetes.{provider}.{credentialID}.clusters.{clusterID}.nodes.{action}".
func KubernetesNodeTopic(provider, credentialID, clusterID, action string) string {
	return fmt.Sprintf("kubernetes.%s.%s.clusters.%s.nodes.%s", provider, credentialID, clusterID, action)
}

// VPCTopic returns "network.{provider}.{credentialID}.{region}.vpcs.{action}".
func VPCTopic(provider, credentialID, region, action string) string {
	return fmt.Sprintf("network.%s.%s.%s.vpcs.%s", provider, credentialID, region, action)
}

// SubnetTopic returns
// "network.{provider}.{credentialID}.vpcs.{vpcID}.subnets.{action}".
func SubnetTopic(provider, credentialID, vpcID, action string) string {
	return fmt.Sprintf("network.%s.%s.vpcs.%s.subnets.%s", provider, credentialID, vpcID, action)
}

// SecurityGroupTopic returns
// "network.{provider}.{credentialID}.{region}.security-groups.{action}".
func SecurityGroupTopic(provider, credentialID, region, action string) string {
	return fmt.Sprintf("network.%s.%s.%s.security-groups.%s", provider, credentialID, region, action)
}

// VMTopic returns "vm.{provider}.{credentialID}.{region}.{action}".
// An empty region yields the process-wide form "vm.{provider}.{credentialID}.{action}".
func VMTopic(provider, credentialID, region, action string) string {
	if region == "" {
		return fmt.Sprintf("vm.%s.%s.%s", provider, credentialID, action)
	}
	return fmt.Sprintf("vm.%s.%s.%s.%s", provider, credentialID, region, action)
}

// WorkspaceTopic returns "workspace.{workspaceID}.{action}".
func WorkspaceTopic(workspaceID, action string) string {
	return fmt.Sprintf("workspace.%s.%s", workspaceID, action)
}

// CredentialTopic returns "credential.{workspaceID}.{provider}.{action}".
func CredentialTopic(workspaceID, provider, action string) string {
	return fmt.Sprintf("credential.%s.%s.%s", workspaceID, provider, action)
}
